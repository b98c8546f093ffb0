// Package config loads the file server's YAML configuration.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = ":8080"
	DefaultReadBufferSize  = 2048
	DefaultWriteBufferSize = 1024
	DefaultMaxPathLen      = 200
	DefaultMaxConns        = 65535
)

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// File switches logging to a rotated local file.
	File string `yaml:"file"`
}

type Metrics struct {
	// Endpoint is an OTLP/gRPC collector address. Metrics are not exported when empty.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type Config struct {
	Addr            string  `yaml:"addr"`
	DocRoot         string  `yaml:"doc_root"`
	ReadBufferSize  int     `yaml:"read_buffer_size"`
	WriteBufferSize int     `yaml:"write_buffer_size"`
	MaxPathLen      int     `yaml:"max_path_len"`
	SanitizePath    bool    `yaml:"sanitize_path"`
	MaxConns        int     `yaml:"max_conns"`
	Loops           int     `yaml:"loops"`
	Workers         int     `yaml:"workers"`
	ReusePort       bool    `yaml:"reuse_port"`
	TCPNoDelay      bool    `yaml:"tcp_no_delay"`
	Log             Log     `yaml:"log"`
	Metrics         Metrics `yaml:"metrics"`
}

func Default() *Config {
	return &Config{
		Addr:            DefaultAddr,
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		MaxPathLen:      DefaultMaxPathLen,
		MaxConns:        DefaultMaxConns,
		Loops:           1,
		TCPNoDelay:      true,
		Log:             Log{Level: "info"},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DocRoot == "":
		return errors.New("doc_root is required")
	case c.ReadBufferSize <= 0:
		return errors.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize)
	case c.WriteBufferSize <= 0:
		return errors.Errorf("write_buffer_size must be positive, got %d", c.WriteBufferSize)
	case c.MaxPathLen <= 1:
		return errors.Errorf("max_path_len must be greater than 1, got %d", c.MaxPathLen)
	case c.MaxConns < 0:
		return errors.Errorf("max_conns must not be negative, got %d", c.MaxConns)
	case c.Loops <= 0:
		return errors.Errorf("loops must be positive, got %d", c.Loops)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogLevel() (logging.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, errors.Wrapf(err, "log.level %q", c.Log.Level)
	}
	return lvl, nil
}
