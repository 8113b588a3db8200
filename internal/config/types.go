// Package config provides configuration loading for patchvec.
package config

import (
	"fmt"
	"time"
)

// Config is the full service configuration. Field layout mirrors the YAML
// document; env overrides use the PATCHVEC_ prefix with __ as the nesting
// separator (PATCHVEC_SERVER__PORT -> server.port).
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Auth        AuthConfig        `koanf:"auth"`
	VectorStore VectorStoreConfig `koanf:"vector_store"`
	Embedder    EmbedderConfig    `koanf:"embedder"`
	Chunk       ChunkConfig       `koanf:"chunk"`
	Search      SearchConfig      `koanf:"search"`
	Limits      LimitsConfig      `koanf:"limits"`
	Log         LogConfig         `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Workers  int    `koanf:"workers"`
	LogLevel string `koanf:"log_level"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Mode is "none" (dev, loopback only) or "static" (bearer tokens).
	Mode string `koanf:"mode"`

	// GlobalKey grants access to all tenants when presented as a bearer token.
	GlobalKey string `koanf:"global_key"`

	// TenantsFile is a YAML map of token -> list of tenant slugs.
	TenantsFile string `koanf:"tenants_file"`
}

// VectorStoreConfig selects and locates the vector backend.
type VectorStoreConfig struct {
	// Type selects the backend implementation: "chromem" or "sqlvec".
	Type string `koanf:"type"`

	// Backend is an implementation-specific variant knob, kept for
	// compatibility with older config files. Unused by chromem.
	Backend string `koanf:"backend"`

	// DataDir is the root data directory (one subdir per tenant).
	DataDir string `koanf:"data_dir"`
}

// EmbedderConfig selects the embedding model collaborator.
type EmbedderConfig struct {
	// Type is "openai" (OpenAI/TEI-compatible REST) or "hash"
	// (deterministic local embedder for dev and tests).
	Type string `koanf:"type"`

	// Model is the embedding model identifier; part of the collection
	// fingerprint.
	Model string `koanf:"model"`

	// BaseURL is the API endpoint for the openai embedder type.
	BaseURL string `koanf:"base_url"`

	// Dimension is the embedding vector size.
	Dimension int `koanf:"dimension"`
}

// ChunkConfig holds preprocessor knobs.
type ChunkConfig struct {
	Txt TxtChunkConfig `koanf:"txt"`
}

// TxtChunkConfig controls the sliding-window TXT chunker.
type TxtChunkConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// SearchConfig holds search tuning knobs.
type SearchConfig struct {
	// Overfetch multiplies k when a post-filter is present.
	Overfetch int `koanf:"overfetch"`
}

// LimitsConfig holds admission control settings.
type LimitsConfig struct {
	Search SearchLimits `koanf:"search"`
	Ingest IngestLimits `koanf:"ingest"`
	Tenant TenantLimits `koanf:"tenant"`
}

// SearchLimits caps concurrent searches.
type SearchLimits struct {
	MaxConcurrent int `koanf:"max_concurrent"`
	TimeoutMs     int `koanf:"timeout_ms"`
}

// IngestLimits caps concurrent ingests and payload size.
type IngestLimits struct {
	MaxConcurrent int   `koanf:"max_concurrent"`
	MaxBytes      int64 `koanf:"max_bytes"`
}

// TenantLimits caps per-tenant concurrency. Zero disables the cap.
type TenantLimits struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

// LogConfig routes the operational and access event streams.
// Valid values: "" (disabled), "stdout", or a file path.
type LogConfig struct {
	OpsLog    string `koanf:"ops_log"`
	AccessLog string `koanf:"access_log"`
}

// SearchTimeout returns the configured search timeout as a duration.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Limits.Search.TimeoutMs) * time.Millisecond
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Auth.Mode {
	case "none", "static":
	default:
		return fmt.Errorf("auth.mode must be none or static, got %q", c.Auth.Mode)
	}
	switch c.VectorStore.Type {
	case "chromem", "sqlvec":
	default:
		return fmt.Errorf("vector_store.type must be chromem or sqlvec, got %q", c.VectorStore.Type)
	}
	switch c.Embedder.Type {
	case "openai", "hash":
	default:
		return fmt.Errorf("embedder.type must be openai or hash, got %q", c.Embedder.Type)
	}
	if c.Chunk.Txt.Overlap >= c.Chunk.Txt.Size {
		return fmt.Errorf("chunk.txt.overlap (%d) must be smaller than chunk.txt.size (%d)",
			c.Chunk.Txt.Overlap, c.Chunk.Txt.Size)
	}
	if c.Auth.Mode == "static" && c.Auth.GlobalKey == "" && c.Auth.TenantsFile == "" {
		return fmt.Errorf("auth.mode=static requires auth.global_key or auth.tenants_file")
	}
	return nil
}
