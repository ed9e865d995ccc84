package broker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// OverlapPolicy decides what a run command does while a child is live.
type OverlapPolicy string

const (
	// OverlapReject refuses the new run and leaves the live child alone.
	OverlapReject OverlapPolicy = "reject"
	// OverlapReplace kills the live child, reports its exit, then starts the new command.
	OverlapReplace OverlapPolicy = "replace"
)

const (
	// chromeMaxOutbound is the largest message Chrome accepts from a native messaging host.
	chromeMaxOutbound = 1024 * 1024
	defaultMaxInbound = 64 * 1024 * 1024
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	// LogFile receives logs instead of stderr. stdout is never used, it carries frames.
	LogFile string `yaml:"log_file"`

	OnOverlap OverlapPolicy `yaml:"on_overlap"`
	// KillGrace is how long a graceful stop waits before the child is killed.
	KillGrace time.Duration `yaml:"kill_grace"`
	// DrainTimeout is how long output is still read after the child exits.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// MaxInboundFrame caps host payloads on top of the memory-derived bound.
	MaxInboundFrame int `yaml:"max_inbound_frame"`
	// MaxOutboundFrame caps the JSON payload of every frame sent to the host.
	MaxOutboundFrame int `yaml:"max_outbound_frame"`

	// ListenAddr serves the host protocol over WebSocket instead of stdio when set.
	ListenAddr string `yaml:"listen_addr"`
	// AllowedOrigins are host patterns, in filepath.Match syntax, of the cross-origin pages allowed
	// to open WebSocket sessions. For an extension the host is its id.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:         "info",
		OnOverlap:        OverlapReject,
		KillGrace:        5 * time.Second,
		DrainTimeout:     500 * time.Millisecond,
		MaxInboundFrame:  defaultMaxInbound,
		MaxOutboundFrame: chromeMaxOutbound,
	}
}

func (c *Config) LoadYaml(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	b := bytes.NewBuffer(nil)
	_, err = b.ReadFrom(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := c.LoadYamlBuffer(b.Bytes()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadYamlBuffer(buf []byte) error {
	return yaml.UnmarshalStrict(buf, c)
}

func (c *Config) PrintConfig(w io.Writer) error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (c *Config) Validate() error {
	switch c.OnOverlap {
	case OverlapReject, OverlapReplace:
	default:
		return fmt.Errorf("unsupported on_overlap %q, must be one of [reject,replace]", c.OnOverlap)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	if c.KillGrace <= 0 {
		return errors.New("kill_grace must be positive")
	}
	if c.DrainTimeout < 0 {
		return errors.New("drain_timeout must not be negative")
	}
	if c.MaxInboundFrame <= 0 {
		return errors.New("max_inbound_frame must be positive")
	}
	for _, pattern := range c.AllowedOrigins {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid allowed_origins pattern %q: %w", pattern, err)
		}
	}
	// the smallest frame must fit an exit event
	if c.MaxOutboundFrame < 64 {
		return errors.New("max_outbound_frame must be at least 64")
	}
	return nil
}

// AllowOrigin adds the host of origin, a URL such as chrome-extension://<id>/, to AllowedOrigins.
func (c *Config) AllowOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("parsing origin: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("origin %q has no host", origin)
	}
	for _, existing := range c.AllowedOrigins {
		if existing == u.Host {
			return nil
		}
	}
	c.AllowedOrigins = append(c.AllowedOrigins, u.Host)
	return nil
}

// NewLogger builds the logger described by the config.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	out := "stderr"
	if c.LogFile != "" {
		out = c.LogFile
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{out}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
