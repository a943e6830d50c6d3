package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/graphflow/graph/checkpoint"
	"github.com/dshills/graphflow/graph/store"
)

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds a zap logger from the log section: the production
// configuration for json, the development one for console.
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func (c *Config) checkpointOptions() ([]checkpoint.ManagerOption, error) {
	var opts []checkpoint.ManagerOption
	if n := c.Checkpoint.MaxCheckpoints; n > 0 {
		opts = append(opts, checkpoint.WithMaxCheckpoints(n))
	}
	if c.Checkpoint.Format != "" {
		f, err := checkpoint.ParseFormat(c.Checkpoint.Format)
		if err != nil {
			return nil, fmt.Errorf("checkpoint.format: %w", err)
		}
		opts = append(opts, checkpoint.WithFormat(f))
	}
	if c.Checkpoint.Compression != "" {
		comp, err := checkpoint.ParseCompression(c.Checkpoint.Compression)
		if err != nil {
			return nil, fmt.Errorf("checkpoint.compression: %w", err)
		}
		opts = append(opts, checkpoint.WithCompression(comp))
	}
	return opts, nil
}

// NewStore opens the configured checkpoint backend. The caller closes it.
func (c *Config) NewStore() (store.Store, error) {
	switch c.Checkpoint.Backend {
	case "", "memory":
		return store.NewMemStore(), nil
	case "file":
		return store.NewFileStore(c.Checkpoint.Path)
	case "sqlite":
		return store.NewSQLiteStore(c.Checkpoint.Path)
	case "mysql":
		return store.NewMySQLStore(c.Checkpoint.DSN)
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
}

// NewCheckpointManager opens the configured backend and wraps it in a
// checkpoint.Manager. Closing the returned store is the caller's job.
func (c *Config) NewCheckpointManager(logger *zap.Logger) (*checkpoint.Manager, store.Store, error) {
	opts, err := c.checkpointOptions()
	if err != nil {
		return nil, nil, err
	}
	key, err := encryptionKey(c.Checkpoint.EncryptionKeyEnv)
	if err != nil {
		return nil, nil, err
	}
	if key != nil {
		opts = append(opts, checkpoint.WithEncryptionKey(key))
	}
	if logger != nil {
		opts = append(opts, checkpoint.WithLogger(logger))
	}

	st, err := c.NewStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open %s checkpoint store: %w", c.Checkpoint.Backend, err)
	}
	m, err := checkpoint.NewManager(st, opts...)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return m, st, nil
}
