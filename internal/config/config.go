package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/roach88/weft/internal/mesh"
)

//go:embed schema.cue
var schemaSource string

// Object classes accepted in the objects list.
const (
	ClassCausalSet    = "causal-set"
	ClassCapabilities = "capabilities"
)

// Defaults applied to omitted fields.
const (
	DefaultListen      = "127.0.0.1:7420"
	DefaultDB          = "weft.db"
	DefaultMetricsPath = "/metrics"
	DefaultLogLevel    = "info"
)

// Config is a node's configuration.
type Config struct {
	// Name is the node's endpoint name. Peers must use distinct names.
	Name    string   `yaml:"name"`
	Listen  string   `yaml:"listen,omitempty"`
	DB      string   `yaml:"db,omitempty"`
	Author  string   `yaml:"author,omitempty"`
	Peers   []Peer   `yaml:"peers,omitempty"`
	Objects []Object `yaml:"objects,omitempty"`
	Sync    Sync     `yaml:"sync,omitempty"`
	Metrics Metrics  `yaml:"metrics,omitempty"`
	Log     Log      `yaml:"log,omitempty"`
}

// Peer is a node this one dials.
type Peer struct {
	URL string `yaml:"url"`
}

// Object is a replicated object the node opens and syncs.
type Object struct {
	// Name identifies the object in the CLI and in other objects' config.
	Name  string `yaml:"name"`
	Class string `yaml:"class"`
	// ID distinguishes objects of the same class. Peers agree on an
	// object by agreeing on class, id and the fields below.
	ID        string     `yaml:"id"`
	Owner     string     `yaml:"owner,omitempty"`
	Authority *Authority `yaml:"authority,omitempty"`
}

// Authority makes writes to a causal set require a capability held in a
// capabilities object.
type Authority struct {
	// Capabilities is the name of a capabilities object in the same file.
	Capabilities string `yaml:"capabilities"`
	Capability   string `yaml:"capability"`
}

// Sync overrides mesh limits. Zero fields keep the defaults.
type Sync struct {
	MaxRequestsPerRemote   int           `yaml:"max_requests_per_remote,omitempty"`
	MaxPendingOps          int           `yaml:"max_pending_ops,omitempty"`
	RequestTimeout         time.Duration `yaml:"request_timeout,omitempty"`
	LiteralArrivalTimeout  time.Duration `yaml:"literal_arrival_timeout,omitempty"`
	MaxLiteralsPerRequest  int           `yaml:"max_literals_per_request,omitempty"`
	MaxHistoryPerRequest   int           `yaml:"max_history_per_request,omitempty"`
	MaxLiteralsPerResponse int           `yaml:"max_literals_per_response,omitempty"`
	MaxHistoryPerResponse  int           `yaml:"max_history_per_response,omitempty"`
	LiteralBatchSize       int           `yaml:"literal_batch_size,omitempty"`
	StreamInterval         time.Duration `yaml:"stream_interval,omitempty"`
	MaxQueuedResponses     int           `yaml:"max_queued_responses,omitempty"`
	RequestRate            float64       `yaml:"request_rate,omitempty"`
	RequestBurst           int           `yaml:"request_burst,omitempty"`
	SweepInterval          time.Duration `yaml:"sweep_interval,omitempty"`
}

// Metrics configures the Prometheus endpoint on the listen address.
type Metrics struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// Log configures the node's logger.
type Log struct {
	Level string `yaml:"level,omitempty"`
}

// ErrInvalid is wrapped by every error about the content of a
// configuration.
var ErrInvalid = errors.New("invalid configuration")

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse checks data against the schema, decodes it, applies defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: empty document", ErrInvalid)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	err := def.Unify(v).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	var result *multierror.Error
	for _, e := range cueerrors.Errors(err) {
		result = multierror.Append(result, fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(e, nil)))
	}
	if result == nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return result
}

// ApplyDefaults fills omitted fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DB == "" {
		c.DB = DefaultDB
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks the rules that span fields. All violations are
// reported together.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.Name == "" {
		fail("name is required")
	}
	seenURL := make(map[string]bool)
	for i, p := range c.Peers {
		if seenURL[p.URL] {
			fail("peers[%d]: duplicate url %q", i, p.URL)
		}
		seenURL[p.URL] = true
	}

	classOf := make(map[string]string)
	for i, o := range c.Objects {
		if _, dup := classOf[o.Name]; dup {
			fail("objects[%d]: duplicate name %q", i, o.Name)
		}
		switch o.Class {
		case ClassCapabilities:
			if o.Authority != nil {
				fail("objects[%d]: %s objects take no authority", i, o.Class)
			}
		case ClassCausalSet:
			if o.Owner != "" {
				fail("objects[%d]: %s objects take no owner", i, o.Class)
			}
			if a := o.Authority; a != nil {
				// Authorities must be declared first so objects open in
				// file order.
				switch class, ok := classOf[a.Capabilities]; {
				case !ok:
					fail("objects[%d]: authority %q is not declared before it", i, a.Capabilities)
				case class != ClassCapabilities:
					fail("objects[%d]: authority %q is a %s object", i, a.Capabilities, class)
				}
			}
		default:
			fail("objects[%d]: unknown class %q", i, o.Class)
		}
		classOf[o.Name] = o.Class
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}
	return result.ErrorOrNil()
}

// Object returns the object named name.
func (c *Config) Object(name string) (Object, bool) {
	for _, o := range c.Objects {
		if o.Name == name {
			return o, true
		}
	}
	return Object{}, false
}

// Limits returns the mesh limits with the sync overrides applied.
func (c *Config) Limits() mesh.Limits {
	l := mesh.DefaultLimits()
	s := c.Sync
	setInt(&l.MaxRequestsPerRemote, s.MaxRequestsPerRemote)
	setInt(&l.MaxPendingOps, s.MaxPendingOps)
	setDuration(&l.RequestTimeout, s.RequestTimeout)
	setDuration(&l.LiteralArrivalTimeout, s.LiteralArrivalTimeout)
	setInt(&l.MaxLiteralsPerRequest, s.MaxLiteralsPerRequest)
	setInt(&l.MaxHistoryPerRequest, s.MaxHistoryPerRequest)
	setInt(&l.MaxLiteralsPerResponse, s.MaxLiteralsPerResponse)
	setInt(&l.MaxHistoryPerResponse, s.MaxHistoryPerResponse)
	setInt(&l.LiteralBatchSize, s.LiteralBatchSize)
	setDuration(&l.StreamInterval, s.StreamInterval)
	setInt(&l.MaxQueuedResponses, s.MaxQueuedResponses)
	if s.RequestRate > 0 {
		l.RequestRate = rate.Limit(s.RequestRate)
	}
	setInt(&l.RequestBurst, s.RequestBurst)
	setDuration(&l.SweepInterval, s.SweepInterval)
	return l
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
