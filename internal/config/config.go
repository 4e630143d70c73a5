package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SOCKET_TRACER_"

// Roles selects which side of a connection a protocol is traced on.
type Roles string

const (
	RolesClient Roles = "client"
	RolesServer Roles = "server"
	RolesBoth   Roles = "both"
)

// Sink names the table records are written to.
type Sink string

const (
	SinkLog  Sink = "log"
	SinkOTEL Sink = "otel"
	SinkNone Sink = "none"
)

// Config is the daemon configuration.
type Config struct {
	// BPFObject is the compiled probe object file.
	BPFObject string `yaml:"bpf_object" env:"BPF_OBJECT"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// ProcRoot is where process metadata is read from.
	ProcRoot string `yaml:"proc_root" env:"PROC_ROOT"`
	// TransferInterval is the connector's polling period.
	TransferInterval time.Duration `yaml:"transfer_interval" env:"TRANSFER_INTERVAL"`

	Tracker   TrackerConfig   `yaml:"tracker" envPrefix:"TRACKER_"`
	Registry  RegistryConfig  `yaml:"registry" envPrefix:"REGISTRY_"`
	Protocols ProtocolsConfig `yaml:"protocols" envPrefix:"PROTOCOLS_"`
	Output    OutputConfig    `yaml:"output" envPrefix:"OUTPUT_"`
	ProcMeta  ProcMetaConfig  `yaml:"procmeta" envPrefix:"PROCMETA_"`
}

// TrackerConfig bounds per-connection work and memory.
type TrackerConfig struct {
	// MaxPendingBytes is the out-of-order bytes held per direction.
	MaxPendingBytes int `yaml:"max_pending_bytes" env:"MAX_PENDING_BYTES"`
	// MaxPendingFragments is the out-of-order fragments held per direction.
	MaxPendingFragments int `yaml:"max_pending_fragments" env:"MAX_PENDING_FRAGMENTS"`
	// MaxBufferBytes is the unparsed contiguous bytes held per direction.
	MaxBufferBytes int `yaml:"max_buffer_bytes" env:"MAX_BUFFER_BYTES"`
	// InferenceBudgetBytes is how many bytes inference may look at before
	// giving up on a connection.
	InferenceBudgetBytes int `yaml:"inference_budget_bytes" env:"INFERENCE_BUDGET_BYTES"`
	// MaxResyncAttempts is the consecutive invalid frames tolerated per direction.
	MaxResyncAttempts int `yaml:"max_resync_attempts" env:"MAX_RESYNC_ATTEMPTS"`

	GapTimeout        time.Duration `yaml:"gap_timeout" env:"GAP_TIMEOUT"`
	CloseGracePeriod  time.Duration `yaml:"close_grace_period" env:"CLOSE_GRACE_PERIOD"`
	OrphanGrace       time.Duration `yaml:"orphan_grace" env:"ORPHAN_GRACE"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"INACTIVITY_TIMEOUT"`
}

// RegistryConfig sizes the connection registry.
type RegistryConfig struct {
	Shards int `yaml:"shards" env:"SHARDS"`
	// MaxBacklogRecords bounds records parked per protocol by garbage collection.
	MaxBacklogRecords int `yaml:"max_backlog_records" env:"MAX_BACKLOG_RECORDS"`
}

// ProtocolConfig is the per-protocol operator switch.
type ProtocolConfig struct {
	Enabled bool  `yaml:"enabled" env:"ENABLED"`
	Roles   Roles `yaml:"roles" env:"ROLES"`
	// InactivityTimeout overrides the tracker default when non-zero.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"INACTIVITY_TIMEOUT"`
}

// ProtocolsConfig holds every protocol's settings.
type ProtocolsConfig struct {
	HTTP  HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	MySQL ProtocolConfig `yaml:"mysql" envPrefix:"MYSQL_"`
}

// HTTPConfig adds body handling to ProtocolConfig.
type HTTPConfig struct {
	ProtocolConfig `yaml:",inline"`
	MaxBodyBytes   int  `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	DecompressGzip bool `yaml:"decompress_gzip" env:"DECOMPRESS_GZIP"`
}

// OutputConfig selects and sizes the record sink.
type OutputConfig struct {
	Sink               Sink `yaml:"sink" env:"SINK"`
	MaxBufferedRecords int  `yaml:"max_buffered_records" env:"MAX_BUFFERED_RECORDS"`
	// Attributes are custom span attributes in "name=expr;name2=expr2" form.
	Attributes string `yaml:"attributes" env:"ATTRIBUTES"`
	// TraceID is an expression yielding the trace id for every span.
	TraceID string `yaml:"trace_id" env:"TRACE_ID"`
	// ResolvePeerNames maps remote addresses back to hostnames found in the
	// traced process's command line.
	ResolvePeerNames bool `yaml:"resolve_peer_names" env:"RESOLVE_PEER_NAMES"`
}

// ProcMetaConfig sizes the process metadata cache.
type ProcMetaConfig struct {
	CacheSize int           `yaml:"cache_size" env:"CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		BPFObject:        "socket_trace.bpf.o",
		ProcRoot:         "/proc",
		TransferInterval: 200 * time.Millisecond,
		Tracker: TrackerConfig{
			MaxPendingBytes:      1 << 20,
			MaxPendingFragments:  1024,
			MaxBufferBytes:       4 << 20,
			InferenceBudgetBytes: 4096,
			MaxResyncAttempts:    16,
			GapTimeout:           time.Second,
			CloseGracePeriod:     time.Second,
			OrphanGrace:          2 * time.Second,
			InactivityTimeout:    5 * time.Minute,
		},
		Registry: RegistryConfig{
			Shards:            64,
			MaxBacklogRecords: 10000,
		},
		Protocols: ProtocolsConfig{
			HTTP: HTTPConfig{
				ProtocolConfig: ProtocolConfig{Enabled: true, Roles: RolesBoth},
				MaxBodyBytes:   1024,
				DecompressGzip: true,
			},
			MySQL: ProtocolConfig{Enabled: true, Roles: RolesBoth},
		},
		Output: OutputConfig{
			Sink:               SinkLog,
			MaxBufferedRecords: 65536,
			ResolvePeerNames:   true,
		},
		ProcMeta: ProcMetaConfig{
			CacheSize: 4096,
			CacheTTL:  time.Minute,
		},
	}
}

// Load reads path over Defaults, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the tracker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("tracker.max_pending_bytes", c.Tracker.MaxPendingBytes)
	positive("tracker.max_pending_fragments", c.Tracker.MaxPendingFragments)
	positive("tracker.max_buffer_bytes", c.Tracker.MaxBufferBytes)
	positive("tracker.inference_budget_bytes", c.Tracker.InferenceBudgetBytes)
	positive("tracker.max_resync_attempts", c.Tracker.MaxResyncAttempts)
	positive("registry.shards", c.Registry.Shards)
	positive("output.max_buffered_records", c.Output.MaxBufferedRecords)
	if c.Registry.MaxBacklogRecords < 0 {
		errs = append(errs, fmt.Errorf("registry.max_backlog_records must not be negative"))
	}
	if c.TransferInterval <= 0 {
		errs = append(errs, fmt.Errorf("transfer_interval must be positive"))
	}
	if c.Tracker.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tracker.inactivity_timeout must be positive"))
	}

	for name, roles := range map[string]Roles{
		"protocols.http.roles":  c.Protocols.HTTP.Roles,
		"protocols.mysql.roles": c.Protocols.MySQL.Roles,
	} {
		switch roles {
		case RolesClient, RolesServer, RolesBoth:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown role filter %q", name, roles))
		}
	}
	switch c.Output.Sink {
	case SinkLog, SinkOTEL, SinkNone:
	default:
		errs = append(errs, fmt.Errorf("output.sink: unknown sink %q", c.Output.Sink))
	}
	if _, err := ParseAttributeString(c.Output.Attributes); err != nil {
		errs = append(errs, fmt.Errorf("output.attributes: %w", err))
	}
	return errors.Join(errs...)
}

// CustomAttribute is a named expression evaluated per record.
type CustomAttribute struct {
	Name       string
	Expression string
}

// ParseAttributeString parses "name1=expr1;name2=expr2". Empty sections are
// skipped.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, expr, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("invalid attribute format %q, expected name=expression", part)
		}
		name = strings.TrimSpace(name)
		expr = strings.TrimSpace(expr)
		if name == "" {
			return nil, fmt.Errorf("attribute name cannot be empty in %q", part)
		}
		if expr == "" {
			return nil, fmt.Errorf("attribute expression cannot be empty in %q", part)
		}
		attrs = append(attrs, CustomAttribute{Name: name, Expression: expr})
	}
	return attrs, nil
}
