package eventbridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultOptions_PerTransportDefaults(t *testing.T) {
	ws := DefaultOptions(TransportWS)
	if ws.MaxMessageBytes != DefaultMaxMessageBytesWS {
		t.Errorf("ws MaxMessageBytes = %d, want %d", ws.MaxMessageBytes, DefaultMaxMessageBytesWS)
	}

	http := DefaultOptions(TransportHTTP)
	if http.MaxMessageBytes != DefaultMaxMessageBytesHTTP {
		t.Errorf("http MaxMessageBytes = %d, want %d", http.MaxMessageBytes, DefaultMaxMessageBytesHTTP)
	}

	if !ws.Reconnect.Enabled || ws.Reconnect.Multiplier != 2 {
		t.Errorf("unexpected default reconnect config: %+v", ws.Reconnect)
	}
}

func TestApplyDefaults_PreservesCallerOverrides(t *testing.T) {
	opts := Options{
		Transport:        TransportConfig{Type: TransportWS},
		HeartbeatTimeout: 99 * time.Second,
	}
	got := applyDefaults(opts)

	if got.HeartbeatTimeout != 99*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want overridden 99s", got.HeartbeatTimeout)
	}
	if got.ConnectionTimeout != DefaultConnectionTimeout {
		t.Errorf("ConnectionTimeout = %v, want default %v", got.ConnectionTimeout, DefaultConnectionTimeout)
	}
}

func TestLoadOptions_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
transport:
  type: http
  base_url: http://localhost:9000
  listen_addr: ":8080"
  webhook_path: /webhook
  ping_path: /ping
token: secret
heartbeat_timeout_ms: 15000
query_timeout_ms: 2500
reconnect:
  enabled: true
  min_delay_ms: 100
  max_delay_ms: 1000
  multiplier: 1.5
  jitter: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}

	if opts.Transport.Type != TransportHTTP || opts.Transport.BaseURL != "http://localhost:9000" {
		t.Errorf("transport = %+v", opts.Transport)
	}
	if opts.Token != "secret" {
		t.Errorf("Token = %q", opts.Token)
	}
	if opts.HeartbeatTimeout != 15*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 15s", opts.HeartbeatTimeout)
	}
	if opts.QueryTimeout != 2500*time.Millisecond {
		t.Errorf("QueryTimeout = %v, want 2.5s", opts.QueryTimeout)
	}
	if opts.Reconnect.Multiplier != 1.5 || opts.Reconnect.Jitter {
		t.Errorf("Reconnect = %+v", opts.Reconnect)
	}
	// ProcessTimeout wasn't set in the file, so applyDefaults should fill it.
	if opts.ProcessTimeout != DefaultProcessTimeout {
		t.Errorf("ProcessTimeout = %v, want default %v", opts.ProcessTimeout, DefaultProcessTimeout)
	}
}

func TestLoadOptions_MissingFile(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
