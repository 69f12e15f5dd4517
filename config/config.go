// Package config loads lrcall settings from YAML.
//
//	log:
//	  level: info
//	server:
//	  addr: 127.0.0.1:9000
//	  codec: binary
//	  compression: deflate
//	  send_timeout: 5s
//	client:
//	  timeout: 2s
//	  max_attempts: 3
//	  backoff: 10ms
//	registry:
//	  endpoints: [127.0.0.1:2379]
//	  ttl: 10s
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/compression"
	"github.com/andeya/lrcall/loadbalance"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "config: duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Log      Log      `yaml:"log"`
	Server   Server   `yaml:"server"`
	Client   Client   `yaml:"client"`
	Registry Registry `yaml:"registry"`
}

type Log struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Wire holds the settings both ends of a connection must agree on.
type Wire struct {
	Codec           string   `yaml:"codec"`       // json, binary, gob
	Compression     string   `yaml:"compression"` // "", deflate, zstd
	MinCompressSize int      `yaml:"min_compress_size"`
	Heartbeat       Duration `yaml:"heartbeat"`
}

type Server struct {
	Wire        `yaml:",inline"`
	Network     string   `yaml:"network"`
	Addr        string   `yaml:"addr"`
	SendTimeout Duration `yaml:"send_timeout"`
	RateLimit   float64  `yaml:"rate_limit"` // requests per second, 0 disables
	Burst       int      `yaml:"burst"`
}

type Client struct {
	Wire        `yaml:",inline"`
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
	Balancer    string   `yaml:"balancer"` // round_robin, weighted_random, consistent_hash
}

// Registry configures etcd; an empty endpoint list means no registry.
type Registry struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout"`
	TTL         Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Server: Server{
			Wire:        Wire{Codec: "json"},
			Network:     "tcp",
			Addr:        "127.0.0.1:0",
			SendTimeout: Duration(5 * time.Second),
		},
		Client: Client{
			Wire:        Wire{Codec: "json"},
			Timeout:     Duration(10 * time.Second),
			MaxAttempts: 3,
			Balancer:    "round_robin",
		},
		Registry: Registry{
			Prefix:      "/lrcall/",
			DialTimeout: Duration(5 * time.Second),
			TTL:         Duration(10 * time.Second),
		},
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Errorf("config: log.level %q", c.Log.Level)
	}
	if err := c.Server.Wire.validate("server"); err != nil {
		return err
	}
	if err := c.Client.Wire.validate("client"); err != nil {
		return err
	}
	if c.Server.Codec != c.Client.Codec && c.Server.Codec != "" && c.Client.Codec != "" {
		return errors.Errorf("config: server.codec %q and client.codec %q differ", c.Server.Codec, c.Client.Codec)
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		return errors.New("config: server.rate_limit and server.burst must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.Burst == 0 {
		return errors.New("config: server.burst must be positive when rate_limit is set")
	}
	if c.Client.Timeout <= 0 {
		return errors.New("config: client.timeout must be positive")
	}
	if c.Client.MaxAttempts < 1 {
		return errors.New("config: client.max_attempts must be at least 1")
	}
	if _, err := loadbalance.ByName(c.Client.Balancer); err != nil {
		return errors.Wrap(err, "config: client.balancer")
	}
	return nil
}

func (w Wire) validate(section string) error {
	if _, err := w.CodecType(); err != nil {
		return errors.Wrapf(err, "config: %s.codec", section)
	}
	if _, err := w.Algorithm(); err != nil {
		return errors.Wrapf(err, "config: %s.compression", section)
	}
	if w.MinCompressSize < 0 || w.Heartbeat < 0 {
		return errors.Errorf("config: %s: negative size or interval", section)
	}
	return nil
}

// CodecType resolves the codec name.
func (w Wire) CodecType() (codec.CodecType, error) {
	return codec.ParseType(w.Codec)
}

// Algorithm resolves the compression name; "" means no compression.
func (w Wire) Algorithm() (compression.Algorithm, error) {
	if w.Compression == "" {
		return "", nil
	}
	return compression.ParseAlgorithm(w.Compression)
}
