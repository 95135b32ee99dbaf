package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/weft/internal/config"
	"github.com/roach88/weft/internal/engine"
	"github.com/roach88/weft/internal/mesh"
	"github.com/roach88/weft/internal/op"
	"github.com/roach88/weft/internal/store"
	"github.com/roach88/weft/internal/transport"
	"github.com/roach88/weft/internal/types"
)

// SyncPath is where a node accepts WebSocket connections from peers.
const SyncPath = "/weft"

const shutdownTimeout = 5 * time.Second

// Option configures a Node.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	hub      *transport.Hub
	meshOpts []mesh.Option
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHub connects the node to an in-process hub instead of listening
// and dialing over WebSocket. The peers in the configuration are ignored.
func WithHub(h *transport.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithMeshOptions passes options to every coordinator.
func WithMeshOptions(opts ...mesh.Option) Option {
	return func(o *options) { o.meshOpts = append(o.meshOpts, opts...) }
}

// Node is a running weft peer.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	registry *op.Registry
	cascader *engine.Cascader

	names    []string
	replicas map[string]types.Replica
	coords   map[string]*mesh.Coordinator

	router   *router
	ws       *transport.WS
	endpoint *transport.HubEndpoint
	listener net.Listener
	server   *http.Server
	metrics  *prometheus.Registry

	// seq orders state events across every object of the node.
	seq atomic.Int64

	ready chan struct{}
}

// New opens the node's store and objects and prepares its transport.
// Nothing is synced until Run is called. Close releases everything New
// acquired.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (n *Node, err error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	n = &Node{
		cfg:      cfg,
		logger:   o.logger.With("node", cfg.Name),
		replicas: make(map[string]types.Replica),
		coords:   make(map[string]*mesh.Coordinator),
		metrics:  prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}
	defer func() {
		if err != nil {
			err = multierror.Append(err, n.Close()).ErrorOrNil()
			n = nil
		}
	}()

	n.registry, err = types.NewRegistry()
	if err != nil {
		return n, err
	}
	n.store, err = store.Open(cfg.DB, store.WithRegistry(n.registry), store.WithLogger(n.logger))
	if err != nil {
		return n, err
	}
	// The cascader watches from here on, so ops saved while objects load
	// are cascaded too.
	n.cascader = engine.NewCascader(n.store, n.logger)

	if err := n.openObjects(ctx); err != nil {
		return n, err
	}

	n.router = newRouter(n.logger.With("component", "router"))
	var messenger mesh.Messenger
	if o.hub != nil {
		n.endpoint, err = o.hub.Join(mesh.Endpoint(cfg.Name), n.router)
		if err != nil {
			return n, err
		}
		messenger = n.endpoint
	} else {
		n.ws = transport.NewWS(mesh.Endpoint(cfg.Name), n.router, transport.WithWSLogger(n.logger))
		messenger = n.ws
		if err := n.listen(); err != nil {
			return n, err
		}
	}

	var syncMetrics *mesh.Metrics
	if cfg.Metrics.Enabled {
		n.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		syncMetrics = mesh.NewMetrics(n.metrics)
	}
	for _, name := range n.names {
		r := n.replicas[name]
		meshOpts := append([]mesh.Option{
			mesh.WithLimits(cfg.Limits()),
			mesh.WithAccepts(r.Object().Model().Accepts),
			mesh.WithStateEvents(r.Object().Events()),
			mesh.WithMetrics(syncMetrics),
			mesh.WithLogger(n.logger),
		}, o.meshOpts...)
		c := mesh.NewCoordinator(r.Hash(), n.store, n.registry, messenger, meshOpts...)
		n.coords[name] = c
		n.router.add(c)
	}
	return n, nil
}

// openObjects opens the configured objects in file order. Validation
// guarantees an authority is opened before the sets it governs.
func (n *Node) openObjects(ctx context.Context) error {
	for _, obj := range n.cfg.Objects {
		desc, opts, err := n.describe(obj)
		if err != nil {
			return err
		}
		opts = append(opts, types.WithEngineOptions(engine.WithLogger(n.logger), engine.WithEventSeq(&n.seq)))
		r, err := types.Open(ctx, n.store, desc, opts...)
		if err != nil {
			return fmt.Errorf("open object %q: %w", obj.Name, err)
		}
		n.names = append(n.names, obj.Name)
		n.replicas[obj.Name] = r
	}
	return nil
}

// describe returns the descriptor of a configured object.
func (n *Node) describe(obj config.Object) (*op.Data, []types.Option, error) {
	switch obj.Class {
	case config.ClassCapabilities:
		return types.CapabilitiesDescriptor(obj.ID, obj.Owner), nil, nil
	case config.ClassCausalSet:
		if obj.Authority == nil {
			return types.SetDescriptor(obj.ID, nil), nil, nil
		}
		caps, ok := n.replicas[obj.Authority.Capabilities].(*types.Capabilities)
		if !ok {
			return nil, nil, fmt.Errorf("open object %q: authority %q is not an open capabilities object", obj.Name, obj.Authority.Capabilities)
		}
		desc := types.SetDescriptor(obj.ID, &types.Authority{
			Capabilities: caps.Hash(),
			Capability:   obj.Authority.Capability,
		})
		return desc, []types.Option{types.WithAuthority(caps)}, nil
	default:
		return nil, nil, fmt.Errorf("open object %q: unknown class %q", obj.Name, obj.Class)
	}
}

func (n *Node) listen() error {
	l, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.Listen, err)
	}
	n.listener = l

	mux := http.NewServeMux()
	mux.Handle(SyncPath, n.ws)
	if n.cfg.Metrics.Enabled {
		mux.Handle(n.cfg.Metrics.Path, promhttp.HandlerFor(n.metrics, promhttp.HandlerOpts{}))
	}
	n.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the address the node listens on, or nil when it is on a
// hub.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Run starts the objects, the cascader, the coordinators and the
// transport, and blocks until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := n.cascader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("cascader: %w", err)
		}
		return nil
	})
	for _, name := range n.names {
		if err := n.replicas[name].Object().Start(ctx); err != nil {
			cancel()
			return errors.Join(fmt.Errorf("start object %q: %w", name, err), g.Wait())
		}
	}
	close(n.ready)
	for _, name := range n.names {
		c := n.coords[name]
		g.Go(func() error {
			if err := c.Run(ctx); err != nil {
				return fmt.Errorf("sync object %q: %w", name, err)
			}
			return nil
		})
	}

	if n.server != nil {
		g.Go(func() error {
			err := n.server.Serve(n.listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return n.server.Shutdown(shutdownCtx)
		})
		for _, p := range n.cfg.Peers {
			url := p.URL
			g.Go(func() error {
				return n.ws.Connect(ctx, url)
			})
		}
	}

	n.logger.Info("node running", "objects", len(n.names), "addr", n.Addr())
	err := g.Wait()
	n.logger.Info("node stopped")
	return err
}

// Close stops the transport, closes the objects and closes the store.
// Call it after Run has returned.
func (n *Node) Close() error {
	var result *multierror.Error
	if n.endpoint != nil {
		n.endpoint.Leave()
	}
	if n.ws != nil {
		result = multierror.Append(result, n.ws.Close())
	}
	if n.listener != nil {
		// Shutdown has closed it if Run served.
		if err := n.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	for _, name := range n.names {
		n.replicas[name].Close()
	}
	if n.store != nil {
		result = multierror.Append(result, n.store.Close())
	}
	return result.ErrorOrNil()
}

// Ready is closed once Run has loaded every object. Writes made through
// a replica before then may be checked against a partial state.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Settle runs the cascade of each op in hashes, and of every op that
// cascade generates, to completion. Run cascades in the background as
// well; Settle is for callers that exit right after writing.
func (n *Node) Settle(ctx context.Context, hashes ...string) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	queue := append([]string(nil), hashes...)
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if !seen.Add(hash) {
			continue
		}
		generated, err := n.cascader.Process(ctx, hash)
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		for _, o := range generated {
			queue = append(queue, o.MustHash())
		}
	}
	return nil
}

// Name returns the node's endpoint name.
func (n *Node) Name() string { return n.cfg.Name }

// Store returns the node's store.
func (n *Node) Store() *store.Store { return n.store }

// Objects returns the names of the node's objects in configuration order.
func (n *Node) Objects() []string { return append([]string(nil), n.names...) }

// Replica returns the object named name.
func (n *Node) Replica(name string) (types.Replica, bool) {
	r, ok := n.replicas[name]
	return r, ok
}

// OnChange registers cb to run once for every op that changes the state
// of the object named name, whether written locally or pulled from a peer.
func (n *Node) OnChange(name string, cb engine.MutationCallback) error {
	r, ok := n.replicas[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	r.Object().OnMutation(cb)
	return nil
}

// Peers returns the peers the node is connected to.
func (n *Node) Peers() []mesh.Endpoint { return n.router.Peers() }

// ObjectStatus is the sync status of one object.
type ObjectStatus struct {
	Name  string `json:"name"`
	Class string `json:"class"`
	mesh.Status
}

// Status reports the sync status of every object. It needs Run to be
// running.
func (n *Node) Status(ctx context.Context) ([]ObjectStatus, error) {
	out := make([]ObjectStatus, 0, len(n.names))
	for i, name := range n.names {
		st, err := n.coords[name].Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("status of %q: %w", name, err)
		}
		out = append(out, ObjectStatus{Name: name, Class: n.cfg.Objects[i].Class, Status: st})
	}
	return out, nil
}

// Diagnostic returns the puller diagnostic of the object named name.
func (n *Node) Diagnostic(ctx context.Context, name string) (string, error) {
	c, ok := n.coords[name]
	if !ok {
		return "", fmt.Errorf("diagnostic: unknown object %q", name)
	}
	return c.Diagnostic(ctx)
}
