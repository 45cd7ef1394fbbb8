package eventbridge

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportType selects which backend New wires up.
type TransportType string

const (
	TransportWS        TransportType = "ws"
	TransportHTTP      TransportType = "http"
	TransportIPCParent TransportType = "ipc-parent"
	TransportIPCChild  TransportType = "ipc-child"
)

// Options configures a Client. Fields mirror the transport surface
// table: every option is documented there, with the backend it applies
// to noted in each field's comment. Durations are expressed as plain
// millisecond ints on the yaml surface (a plain _ms-suffixed int,
// rather than a duration string) and converted once at load time.
type Options struct {
	Transport TransportConfig

	// Token is included in outbound Pong payloads and, for the HTTP
	// backend, as the X-Transport-Token header.
	Token string

	// MaxMessageBytes caps every outgoing query request's serialized
	// size (plus the fixed 256-byte guard), checked before it is sent;
	// ACK, Ping and Pong frames are sent without this check. Zero uses
	// DefaultMaxMessageBytes for the selected transport.
	MaxMessageBytes int

	// HeartbeatTimeout sizes the heartbeat tracker's liveness window and
	// caps the self-initiated ping interval for persistent-bidi
	// transports (ws, ipc-parent, ipc-child). Client does not gate
	// Connect or Query on that window. Ignored by http.
	HeartbeatTimeout time.Duration

	// ConnectionTimeout bounds a managed-mode Open call.
	ConnectionTimeout time.Duration

	// ProcessTimeout is the per-batch dispatch deadline.
	ProcessTimeout time.Duration

	// QueryTimeout is the per-query deadline.
	QueryTimeout time.Duration

	// EnableClientPing opts into the optional self-initiated Ping loop
	// on persistent-bidi transports (off by default — see Open Question
	// 2 in the design notes: a quiet client that only answers the
	// peer's Pings is the safer default).
	EnableClientPing bool

	Reconnect ReconnectConfig
}

// TransportConfig selects and addresses the backend.
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// URL is the ws:// or wss:// endpoint (transport.type == ws).
	URL string `yaml:"url"`

	// BaseURL is the remote service root for outbound queries
	// (transport.type == http).
	BaseURL string `yaml:"base_url"`

	// ListenAddr, WebhookPath, PingPath configure the HTTP backend's
	// inbound server (transport.type == http).
	ListenAddr  string `yaml:"listen_addr"`
	WebhookPath string `yaml:"webhook_path"`
	PingPath    string `yaml:"ping_path"`

	// Command/Args launch the child process (transport.type ==
	// ipc-parent).
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Attached selects managed vs attached mode for the ws backend;
	// ignored by the other three transports, which have no reconnect
	// concept.
	Attached bool `yaml:"attached"`
}

// ReconnectConfig mirrors lifecycle.ReconnectPolicy.
type ReconnectConfig struct {
	Enabled    bool
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// rawOptions is the yaml projection of Options: durations are plain
// millisecond ints here, converted to time.Duration once by LoadOptions.
type rawOptions struct {
	Transport           TransportConfig `yaml:"transport"`
	Token               string          `yaml:"token"`
	MaxMessageBytes     int             `yaml:"max_message_bytes"`
	HeartbeatTimeoutMs  int             `yaml:"heartbeat_timeout_ms"`
	ConnectionTimeoutMs int             `yaml:"connection_timeout_ms"`
	ProcessTimeoutMs    int             `yaml:"process_timeout_ms"`
	QueryTimeoutMs      int             `yaml:"query_timeout_ms"`
	EnableClientPing    bool            `yaml:"enable_client_ping"`
	Reconnect           rawReconnect    `yaml:"reconnect"`
}

type rawReconnect struct {
	Enabled    bool    `yaml:"enabled"`
	MinDelayMs int     `yaml:"min_delay_ms"`
	MaxDelayMs int     `yaml:"max_delay_ms"`
	Multiplier float64 `yaml:"multiplier"`
	Jitter     bool    `yaml:"jitter"`
}

// Default size/timeout constants, per transport where the defaults
// diverge.
const (
	DefaultMaxMessageBytesIPC  = 1 << 20
	DefaultMaxMessageBytesWS   = 1 << 20
	DefaultMaxMessageBytesHTTP = 1 << 20

	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultConnectionTimeout = 10 * time.Second
	DefaultQueryTimeout      = 5 * time.Second
	DefaultProcessTimeout    = 3 * time.Second
)

// DefaultOptions returns an Options with every zero-value field filled
// in for the given transport type. Callers typically call this, then
// override only what they need.
func DefaultOptions(t TransportType) Options {
	return Options{
		Transport:         TransportConfig{Type: t},
		MaxMessageBytes:   defaultMaxMessageBytes(t),
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		ConnectionTimeout: DefaultConnectionTimeout,
		ProcessTimeout:    DefaultProcessTimeout,
		QueryTimeout:      DefaultQueryTimeout,
		Reconnect:         defaultReconnectConfig(),
	}
}

func defaultMaxMessageBytes(t TransportType) int {
	switch t {
	case TransportHTTP:
		return DefaultMaxMessageBytesHTTP
	case TransportWS:
		return DefaultMaxMessageBytesWS
	default:
		return DefaultMaxMessageBytesIPC
	}
}

func defaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:    true,
		MinDelay:   200 * time.Millisecond,
		MaxDelay:   3 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// LoadOptions reads a yaml-encoded Options from path and fills in any
// zero-value fields with the defaults for its transport type.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}

	var raw rawOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, err
	}

	opts := Options{
		Transport:         raw.Transport,
		Token:             raw.Token,
		MaxMessageBytes:   raw.MaxMessageBytes,
		HeartbeatTimeout:  time.Duration(raw.HeartbeatTimeoutMs) * time.Millisecond,
		ConnectionTimeout: time.Duration(raw.ConnectionTimeoutMs) * time.Millisecond,
		ProcessTimeout:    time.Duration(raw.ProcessTimeoutMs) * time.Millisecond,
		QueryTimeout:      time.Duration(raw.QueryTimeoutMs) * time.Millisecond,
		EnableClientPing:  raw.EnableClientPing,
		Reconnect: ReconnectConfig{
			Enabled:    raw.Reconnect.Enabled,
			MinDelay:   time.Duration(raw.Reconnect.MinDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(raw.Reconnect.MaxDelayMs) * time.Millisecond,
			Multiplier: raw.Reconnect.Multiplier,
			Jitter:     raw.Reconnect.Jitter,
		},
	}

	return applyDefaults(opts), nil
}

// applyDefaults fills any zero-value fields of opts with the defaults
// for its transport type, without disturbing fields the caller set.
// Reconnect's Enabled and Jitter flags are taken as given unless the
// whole Reconnect block is zero.
func applyDefaults(opts Options) Options {
	d := DefaultOptions(opts.Transport.Type)
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = d.MaxMessageBytes
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = d.ConnectionTimeout
	}
	if opts.ProcessTimeout == 0 {
		opts.ProcessTimeout = d.ProcessTimeout
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = d.QueryTimeout
	}
	if opts.Reconnect == (ReconnectConfig{}) {
		opts.Reconnect = d.Reconnect
	} else {
		if opts.Reconnect.MinDelay == 0 {
			opts.Reconnect.MinDelay = d.Reconnect.MinDelay
		}
		if opts.Reconnect.MaxDelay == 0 {
			opts.Reconnect.MaxDelay = d.Reconnect.MaxDelay
		}
		if opts.Reconnect.Multiplier == 0 {
			opts.Reconnect.Multiplier = d.Reconnect.Multiplier
		}
	}
	return opts
}
