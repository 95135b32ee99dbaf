package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/weft/internal/mesh"
	"github.com/roach88/weft/internal/wire"
)

// PeerHeader carries the sender's endpoint name in both directions of the
// WebSocket handshake.
const PeerHeader = "X-Weft-Peer"

const (
	// WriteWait is the time allowed to write a frame.
	WriteWait = 10 * time.Second
	// PongWait is the time allowed between pongs before the peer is
	// considered gone.
	PongWait = 60 * time.Second
	// PingPeriod must be shorter than PongWait.
	PingPeriod = (PongWait * 9) / 10

	sendBuffer = 256
)

// WSOption configures a WS transport.
type WSOption func(*WS)

// WithWSLogger sets the logger. Defaults to slog.Default().
func WithWSLogger(l *slog.Logger) WSOption {
	return func(w *WS) { w.logger = l }
}

// WithDialBackoff sets the base and cap of the exponential backoff used
// between dial attempts.
func WithDialBackoff(base, maxDelay time.Duration) WSOption {
	return func(w *WS) {
		w.backoffBase = base
		w.backoffCap = maxDelay
	}
}

// WS is a WebSocket transport. It accepts connections through ServeHTTP
// and makes them through Connect.
//
// There is at most one connection per peer. When two peers dial each
// other at the same time, the connection dialed by the peer with the
// smaller name is kept on both sides.
type WS struct {
	self    mesh.Endpoint
	handler Handler
	logger  *slog.Logger

	upgrader    websocket.Upgrader
	dialer      *websocket.Dialer
	backoffBase time.Duration
	backoffCap  time.Duration

	mu    sync.Mutex
	conns map[mesh.Endpoint]*wsConn
	wg    sync.WaitGroup
}

var (
	_ mesh.Messenger = (*WS)(nil)
	_ http.Handler   = (*WS)(nil)
)

// NewWS returns a transport for the peer named self.
func NewWS(self mesh.Endpoint, handler Handler, opts ...WSOption) *WS {
	w := &WS{
		self:    self,
		handler: handler,
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer:      websocket.DefaultDialer,
		backoffBase: 200 * time.Millisecond,
		backoffCap:  30 * time.Second,
		conns:       make(map[mesh.Endpoint]*wsConn),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "transport", "kind", "ws", "self", self)
	return w
}

// ServeHTTP upgrades an inbound connection from a peer.
func (w *WS) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	peer := mesh.Endpoint(r.Header.Get(PeerHeader))
	if peer == "" || peer == w.self {
		http.Error(rw, "missing or invalid "+PeerHeader, http.StatusBadRequest)
		return
	}
	header := http.Header{}
	header.Set(PeerHeader, string(w.self))
	conn, err := w.upgrader.Upgrade(rw, r, header)
	if err != nil {
		// Upgrade has already replied.
		w.logger.Debug("upgrade failed", "peer", peer, "error", err)
		return
	}
	c := w.newConn(peer, conn, false)
	if w.register(c) == c {
		w.start(c)
	}
}

// Connect keeps a connection to the peer at url open until ctx is done,
// dialing again with backoff whenever the connection is lost.
func (w *WS) Connect(ctx context.Context, url string) error {
	for {
		c, err := w.dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-c.gone:
		case <-ctx.Done():
			return nil
		}
	}
}

// dial returns the connection that serves the link to the peer at url:
// the one just made, or one that already existed and won the tie-break.
func (w *WS) dial(ctx context.Context, url string) (*wsConn, error) {
	backoff, err := retry.NewExponential(w.backoffBase)
	if err != nil {
		return nil, fmt.Errorf("dial backoff: %w", err)
	}
	backoff = retry.WithCappedDuration(w.backoffCap, backoff)

	header := http.Header{}
	header.Set(PeerHeader, string(w.self))

	var c *wsConn
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, resp, err := w.dialer.DialContext(ctx, url, header)
		if err != nil {
			w.logger.Debug("dial failed", "url", url, "error", err)
			return retry.RetryableError(err)
		}
		peer := mesh.Endpoint(resp.Header.Get(PeerHeader))
		if peer == "" || peer == w.self {
			_ = conn.Close()
			return retry.RetryableError(fmt.Errorf("dial %s: invalid peer name %q", url, peer))
		}
		c = w.newConn(peer, conn, true)
		return nil
	})
	if err != nil {
		return nil, err
	}

	winner := w.register(c)
	if winner == c {
		w.start(c)
	}
	return winner, nil
}

// SendMessageToPeer queues msg on the connection to peer. It reports
// false when there is no connection or its send buffer is full.
func (w *WS) SendMessageToPeer(peer mesh.Endpoint, agentID string, msg mesh.Message) bool {
	w.mu.Lock()
	c, ok := w.conns[peer]
	w.mu.Unlock()
	if !ok {
		return false
	}
	data, err := wire.Encode(agentID, msg)
	if err != nil {
		w.logger.Warn("encode failed", "peer", peer, "type", msg.Type(), "error", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		w.logger.Debug("send buffer full", "peer", peer, "type", msg.Type())
		return false
	}
}

// Peers returns the peers currently connected.
func (w *WS) Peers() []mesh.Endpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]mesh.Endpoint, 0, len(w.conns))
	for p := range w.conns {
		out = append(out, p)
	}
	return out
}

// Close closes every connection and waits for their goroutines.
func (w *WS) Close() error {
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	w.wg.Wait()
	return nil
}

// register installs c unless an existing connection to the same peer
// wins the tie-break. It returns the connection serving the peer.
func (w *WS) register(c *wsConn) *wsConn {
	w.mu.Lock()
	existing, ok := w.conns[c.peer]
	if ok && !w.prefers(c, existing) {
		w.mu.Unlock()
		w.logger.Debug("duplicate connection dropped", "peer", c.peer, "outbound", c.outbound)
		c.discard()
		return existing
	}
	w.conns[c.peer] = c
	w.mu.Unlock()

	if ok {
		w.logger.Debug("connection replaced", "peer", c.peer, "outbound", c.outbound)
		existing.close()
		return c
	}
	w.logger.Info("peer connected", "peer", c.peer, "outbound", c.outbound)
	w.handler.PeerConnected(c.peer)
	return c
}

// prefers reports whether c should replace existing.
func (w *WS) prefers(c, existing *wsConn) bool {
	select {
	case <-existing.done:
		return true
	default:
	}
	return c.outbound != existing.outbound && c.dialer(w.self) < existing.dialer(w.self)
}

func (w *WS) unregister(c *wsConn) {
	w.mu.Lock()
	current := w.conns[c.peer] == c
	if current {
		delete(w.conns, c.peer)
	}
	w.mu.Unlock()
	if current {
		w.logger.Info("peer disconnected", "peer", c.peer)
		w.handler.PeerDisconnected(c.peer)
	}
}

func (w *WS) start(c *wsConn) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := c.run(w); err != nil {
			w.logger.Debug("connection closed", "peer", c.peer, "error", err)
		}
		w.unregister(c)
		close(c.gone)
	}()
}

func (w *WS) newConn(peer mesh.Endpoint, conn *websocket.Conn, outbound bool) *wsConn {
	conn.SetReadLimit(wire.MaxFrameSize)
	return &wsConn{
		peer:     peer,
		conn:     conn,
		outbound: outbound,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		gone:     make(chan struct{}),
	}
}

type wsConn struct {
	peer     mesh.Endpoint
	conn     *websocket.Conn
	outbound bool
	send     chan []byte

	once sync.Once
	// done is closed when the connection starts shutting down, gone
	// once it has been unregistered.
	done chan struct{}
	gone chan struct{}
}

func (c *wsConn) dialer(self mesh.Endpoint) mesh.Endpoint {
	if c.outbound {
		return self
	}
	return c.peer
}

// close asks the pumps to stop. The socket itself is closed by the
// write pump, or by discard for a connection that never started.
func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) discard() {
	c.close()
	_ = c.conn.Close()
	close(c.gone)
}

// run pumps frames until the connection fails or is closed.
func (c *wsConn) run(w *WS) error {
	defer c.close()

	if err := c.conn.SetReadDeadline(time.Now().Add(PongWait)); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("set read deadline: %w", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	g, gCtx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return c.readPump(w)
	})
	g.Go(func() error {
		defer c.conn.Close()
		return c.writePump(gCtx)
	})
	err := g.Wait()
	if errors.Is(err, websocket.ErrCloseSent) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func (c *wsConn) readPump(w *WS) error {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		agentID, msg, err := wire.Decode(data)
		if err != nil {
			w.logger.Warn("dropping undecodable frame", "peer", c.peer, "error", err)
			continue
		}
		w.handler.HandleMessage(c.peer, agentID, msg)
	}
}

func (c *wsConn) writePump(ctx context.Context) error {
	ping := time.NewTicker(PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(WriteWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case <-ctx.Done():
			return nil
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
