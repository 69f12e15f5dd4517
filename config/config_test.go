package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/compression"
)

const sample = `
log:
  level: debug
server:
  addr: 127.0.0.1:9000
  codec: binary
  compression: deflate
  min_compress_size: 64
  send_timeout: 2s
  rate_limit: 100
  burst: 10
client:
  codec: binary
  compression: deflate
  timeout: 250ms
  max_attempts: 5
  backoff: 10ms
  balancer: consistent_hash
registry:
  endpoints: [127.0.0.1:2379]
  ttl: 30s
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Log.Level != "debug" || c.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.Server.SendTimeout.Std() != 2*time.Second || c.Client.Timeout.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected durations %v %v", c.Server.SendTimeout.Std(), c.Client.Timeout.Std())
	}
	if ct, _ := c.Server.CodecType(); ct != codec.CodecTypeBinary {
		t.Fatalf("expect binary codec, got %s", ct)
	}
	if alg, _ := c.Client.Algorithm(); alg != compression.Deflate {
		t.Fatalf("expect deflate, got %q", alg)
	}
	if c.Client.MaxAttempts != 5 || c.Client.Balancer != "consistent_hash" {
		t.Fatalf("unexpected client config %+v", c.Client)
	}
	if len(c.Registry.Endpoints) != 1 || c.Registry.TTL.Std() != 30*time.Second {
		t.Fatalf("unexpected registry config %+v", c.Registry)
	}
	// Untouched keys keep their defaults.
	if c.Server.Network != "tcp" || c.Registry.Prefix != "/lrcall/" {
		t.Fatalf("expect defaults to survive, got %+v", c)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"bad duration":   "client:\n  timeout: soon\n",
		"unknown key":    "server:\n  port: 9000\n",
		"bad codec":      "server:\n  codec: xml\n",
		"bad algorithm":  "client:\n  compression: lz4\n",
		"codec mismatch": "server:\n  codec: gob\nclient:\n  codec: json\n",
		"zero attempts":  "client:\n  max_attempts: 0\n",
		"bad balancer":   "client:\n  balancer: random\n",
		"bad level":      "log:\n  level: loud\n",
		"no burst":       "server:\n  rate_limit: 5\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expect error", name)
		}
	}
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(Default())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "timeout: 10s") {
		t.Fatalf("expect duration strings, got\n%s", out)
	}
	c, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if c.Client.Timeout != Default().Client.Timeout {
		t.Fatalf("expect round trip, got %v", c.Client.Timeout.Std())
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lrcall.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expect error for a missing file")
	}
}
