package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("upstream: 127.0.0.1:9000\n"))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Upstream, "127.0.0.1:9000")
	assert.Equal(t, cfg.Listen, "127.0.0.1:8080")
	assert.Equal(t, cfg.ControlSocket, "/tmp/proto-socket")
	assert.Equal(t, cfg.MaxConnections, 250)
	assert.Equal(t, cfg.AcceptBackoff.Unit, time.Second)
	assert.Equal(t, cfg.AcceptBackoff.Max, 64)
	assert.Equal(t, cfg.IdleTimeout, time.Duration(0))
	assert.Equal(t, cfg.HandoverTimeout, 30*time.Second)
	assert.Equal(t, cfg.ShutdownGrace, 5*time.Second)
	assert.Equal(t, cfg.State.Backend, "memory")
}

func TestParseOverrides(t *testing.T) {
	raw := `
upstream: upstream.internal:7000
listen: 0.0.0.0:9090
max_connections: 10
idle_timeout: 90s
shutdown_grace: 250ms
accept_backoff:
  unit: 10ms
  max: 8
rate_limit:
  per_source: 5
  burst: 10
state:
  backend: bolt
  path: /var/lib/hotproxy/state.db
`
	cfg, err := Parse([]byte(raw))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Listen, "0.0.0.0:9090")
	assert.Equal(t, cfg.MaxConnections, 10)
	assert.Equal(t, cfg.IdleTimeout, 90*time.Second)
	assert.Equal(t, cfg.ShutdownGrace, 250*time.Millisecond)
	assert.Equal(t, cfg.AcceptBackoff.Unit, 10*time.Millisecond)
	assert.Equal(t, cfg.AcceptBackoff.Max, 8)
	assert.Equal(t, cfg.RateLimit.PerSource, 5)
	assert.Equal(t, cfg.State.Path, "/var/lib/hotproxy/state.db")
	// untouched keys keep their defaults
	assert.Equal(t, cfg.DialTimeout, 5*time.Second)
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		raw  string
		err  error
	}{
		{name: "missing upstream", raw: "listen: 127.0.0.1:1\n", err: ErrMissingUpstream},
		{name: "upstream without port", raw: "upstream: localhost\n", err: ErrInvalid},
		{name: "zero permits", raw: "upstream: a:1\nmax_connections: 0\n", err: ErrInvalid},
		{name: "unknown backend", raw: "upstream: a:1\nstate:\n  backend: etcd\n", err: ErrInvalid},
		{name: "redis without addr", raw: "upstream: a:1\nstate:\n  backend: redis\n", err: ErrInvalid},
		{name: "negative rate", raw: "upstream: a:1\nrate_limit:\n  global: -1\n", err: ErrInvalid},
		{name: "zero handover timeout", raw: "upstream: a:1\nhandover_timeout: 0s\n", err: ErrInvalid},
		{name: "zero shutdown grace", raw: "upstream: a:1\nshutdown_grace: 0s\n", err: ErrInvalid},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.raw))
			assert.Equal(t, errors.Cause(err), test.err)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("upstream: [unterminated\n"))
	assert.ErrorContains(t, err, "config: parse")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("upstream: 127.0.0.1:4000\n"), 0o600))

	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Upstream, "127.0.0.1:4000")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Assert(t, os.IsNotExist(errors.Cause(err)))
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Listen, "127.0.0.1:8080")
	assert.Equal(t, cfg.ControlSocket, "/tmp/proto-socket")
	assert.Equal(t, cfg.State.Backend, "bolt")
}
