package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "PATCHVEC_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load builds a Config from built-in defaults, an optional YAML file and
// PATCHVEC_* environment variables, in increasing precedence.
//
// Environment variables map to dotted keys with __ as the nesting separator:
//
//	PATCHVEC_SERVER__PORT        -> server.port
//	PATCHVEC_CHUNK__TXT__SIZE    -> chunk.txt.size
//	PATCHVEC_LIMITS__SEARCH__TIMEOUT_MS -> limits.search.timeout_ms
//
// An empty configPath skips the file layer.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.TrimPrefix(s, envPrefix)
		return strings.ToLower(strings.ReplaceAll(key, "__", "."))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// readConfigFile reads and size-checks a config file. A missing file is not
// an error: callers may point at a default path that does not exist yet.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults sets built-in defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 1
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "chromem"
	}
	if cfg.VectorStore.DataDir == "" {
		cfg.VectorStore.DataDir = "./data"
	}

	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hash"
	}
	if cfg.Embedder.Model == "" {
		cfg.Embedder.Model = "hash-256"
	}
	if cfg.Embedder.BaseURL == "" {
		cfg.Embedder.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embedder.Dimension == 0 {
		cfg.Embedder.Dimension = 256
	}

	if cfg.Chunk.Txt.Size == 0 {
		cfg.Chunk.Txt.Size = 800
	}
	if cfg.Chunk.Txt.Overlap == 0 {
		cfg.Chunk.Txt.Overlap = 120
	}

	if cfg.Search.Overfetch == 0 {
		cfg.Search.Overfetch = 5
	}

	if cfg.Limits.Search.MaxConcurrent == 0 {
		cfg.Limits.Search.MaxConcurrent = 64
	}
	if cfg.Limits.Search.TimeoutMs == 0 {
		cfg.Limits.Search.TimeoutMs = 5000
	}
	if cfg.Limits.Ingest.MaxConcurrent == 0 {
		cfg.Limits.Ingest.MaxConcurrent = 4
	}
	if cfg.Limits.Ingest.MaxBytes == 0 {
		cfg.Limits.Ingest.MaxBytes = 64 * 1024 * 1024
	}
}
