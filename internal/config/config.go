// Package config loads the engine configuration in three layers: compiled
// defaults, an optional YAML file, then FORGE_* environment overrides
// (FORGE_SERVER_LISTEN_ADDR, FORGE_STORE_POSTGRES_URI, and so on, derived
// from the section and field tags).
package config

import (
	"errors"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Config is the full engine configuration bundle.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Features   FeatureConfig    `yaml:"features"`
	Cascade    CascadeConfig    `yaml:"cascade"`
	Cache      CacheConfig      `yaml:"cache"`
	Semantic   SemanticConfig   `yaml:"semantic"`
	Partition  PartitionConfig  `yaml:"partition"`
	Federation FederationConfig `yaml:"federation"`
	Lineage    LineageConfig    `yaml:"lineage"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr" envconfig:"listen_addr"`
	APIToken        string `yaml:"api_token" envconfig:"api_token"` // empty disables bearer auth on mutating routes
	AllowedOrigins  string `yaml:"allowed_origins" envconfig:"allowed_origins"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" envconfig:"rate_limit_per_min"` // requests per minute per IP on /api/v1; 0 disables
	RateLimitBurst  int    `yaml:"rate_limit_burst" envconfig:"rate_limit_burst"`
}

// StoreConfig selects and parameterizes the graph store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend" envconfig:"backend"` // "memory" or "postgres"
	PostgresURI string `yaml:"postgres_uri" envconfig:"postgres_uri"`
}

// FeatureConfig is the set of engine-wide toggles.
type FeatureConfig struct {
	EnableCaching           bool `yaml:"enable_caching" envconfig:"enable_caching"`
	EnablePartitioning      bool `yaml:"enable_partitioning" envconfig:"enable_partitioning"`
	EnableFederation        bool `yaml:"enable_federation" envconfig:"enable_federation"`
	EnableSemanticDetection bool `yaml:"enable_semantic_detection" envconfig:"enable_semantic_detection"`
}

// CascadeConfig tunes the insight pipeline.
type CascadeConfig struct {
	DefaultMaxHops     int `yaml:"default_max_hops" envconfig:"default_max_hops"`
	FanOut             int `yaml:"fan_out" envconfig:"fan_out"` // concurrent overlay invocations per event
	RetentionDays      int `yaml:"retention_days" envconfig:"retention_days"`
	JanitorIntervalSec int `yaml:"janitor_interval_sec" envconfig:"janitor_interval_sec"`
}

// CacheConfig tunes the query cache.
type CacheConfig struct {
	MaxEntries       int    `yaml:"max_entries" envconfig:"max_entries"`
	MaxValueBytes    int    `yaml:"max_value_bytes" envconfig:"max_value_bytes"`
	LineageTTLSec    int    `yaml:"lineage_ttl_sec" envconfig:"lineage_ttl_sec"`
	SearchTTLSec     int    `yaml:"search_ttl_sec" envconfig:"search_ttl_sec"`
	GeneralTTLSec    int    `yaml:"general_ttl_sec" envconfig:"general_ttl_sec"`
	Strategy         string `yaml:"strategy" envconfig:"strategy"` // immediate, debounced, lazy
	DebounceWindowMS int    `yaml:"debounce_window_ms" envconfig:"debounce_window_ms"`
}

// SemanticConfig tunes the edge detector.
type SemanticConfig struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold" envconfig:"similarity_threshold"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" envconfig:"confidence_threshold"`
	MaxCandidates       int      `yaml:"max_candidates" envconfig:"max_candidates"`
	EnabledTypes        []string `yaml:"enabled_types"`
	EmbeddingDim        int      `yaml:"embedding_dim" envconfig:"embedding_dim"`
	AnthropicModel      string   `yaml:"anthropic_model" envconfig:"anthropic_model"` // key comes from ANTHROPIC_API_KEY
	MaxTokens           int      `yaml:"max_tokens" envconfig:"max_tokens"`
}

// PartitionConfig tunes the partition manager and the fan-out executor.
type PartitionConfig struct {
	MaxCapsules          int     `yaml:"max_capsules" envconfig:"max_capsules"`
	RebalanceThreshold   float64 `yaml:"rebalance_threshold" envconfig:"rebalance_threshold"` // utilization spread, 0-1
	RebalanceIntervalSec int     `yaml:"rebalance_interval_sec" envconfig:"rebalance_interval_sec"`
	QueryTimeoutSec      int     `yaml:"query_timeout_sec" envconfig:"query_timeout_sec"`
	MaxParallel          int     `yaml:"max_parallel" envconfig:"max_parallel"`
}

// PeerConfig seeds one federation peer. Peers are file-config only.
type PeerConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	PublicKey string `yaml:"public_key"`
}

// FederationConfig identifies this instance and lists its peers.
type FederationConfig struct {
	InstanceName      string       `yaml:"instance_name" envconfig:"instance_name"`
	KeySeed           string       `yaml:"key_seed" envconfig:"key_seed"` // 32-byte hex; empty generates an ephemeral identity
	APIVersion        string       `yaml:"api_version" envconfig:"api_version"`
	Peers             []PeerConfig `yaml:"peers"`
	HealthIntervalSec int          `yaml:"health_interval_sec" envconfig:"health_interval_sec"`
	PushChanges       bool         `yaml:"push_changes" envconfig:"push_changes"`
}

// LineageConfig places lineage records across tiers.
type LineageConfig struct {
	Tier1MinTrust      int    `yaml:"tier1_min_trust" envconfig:"tier1_min_trust"`
	Tier2MinTrust      int    `yaml:"tier2_min_trust" envconfig:"tier2_min_trust"`
	Tier1MaxAgeDays    int    `yaml:"tier1_max_age_days" envconfig:"tier1_max_age_days"`
	Tier2MaxAgeDays    int    `yaml:"tier2_max_age_days" envconfig:"tier2_max_age_days"`
	MaxDeltaChain      int    `yaml:"max_delta_chain" envconfig:"max_delta_chain"`
	MigrateIntervalSec int    `yaml:"migrate_interval_sec" envconfig:"migrate_interval_sec"`
	RedisAddr          string `yaml:"redis_addr" envconfig:"redis_addr"` // empty keeps the cold tier in-process
	RedisKeyPrefix     string `yaml:"redis_key_prefix" envconfig:"redis_key_prefix"`
}

// Defaults returns a runnable single-node configuration: memory store,
// caching and partitioning on, federation and LLM detection off.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8420",
			AllowedOrigins:  "*",
			RateLimitPerMin: 0, // opt-in; federation peers and dashboards share IPs
			RateLimitBurst:  30,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Features: FeatureConfig{
			EnableCaching:           true,
			EnablePartitioning:      true,
			EnableFederation:        false,
			EnableSemanticDetection: false,
		},
		Cascade: CascadeConfig{
			DefaultMaxHops:     5,
			FanOut:             4,
			RetentionDays:      30,
			JanitorIntervalSec: 600,
		},
		Cache: CacheConfig{
			MaxEntries:       10000,
			MaxValueBytes:    1 << 20,
			LineageTTLSec:    3600,
			SearchTTLSec:     300,
			GeneralTTLSec:    60,
			Strategy:         "immediate",
			DebounceWindowMS: 2000,
		},
		Semantic: SemanticConfig{
			SimilarityThreshold: 0.75,
			ConfidenceThreshold: 0.7,
			MaxCandidates:       5,
			EmbeddingDim:        256,
			AnthropicModel:      "claude-sonnet-4-5",
			MaxTokens:           512,
		},
		Partition: PartitionConfig{
			MaxCapsules:          10000,
			RebalanceThreshold:   0.3,
			RebalanceIntervalSec: 300,
			QueryTimeoutSec:      30,
			MaxParallel:          8,
		},
		Federation: FederationConfig{
			InstanceName:      "forge-node",
			APIVersion:        "1.0",
			HealthIntervalSec: 60,
			PushChanges:       true,
		},
		Lineage: LineageConfig{
			Tier1MinTrust:      70,
			Tier2MinTrust:      40,
			Tier1MaxAgeDays:    30,
			Tier2MaxAgeDays:    90,
			MaxDeltaChain:      10,
			MigrateIntervalSec: 600,
			RedisKeyPrefix:     "forge:lineage:cold:",
		},
	}
}

// Load builds the effective config. A missing file is fine; a malformed
// file, a bad env override, or an invalid final state is fatal.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// fall through to env + defaults
		case err != nil:
			return nil, models.WrapError(models.KindConfig, err, "reading config file %s", path)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, models.WrapError(models.KindConfig, err, "parsing config file %s", path)
			}
		}
	}
	if err := envconfig.Process("forge", cfg); err != nil {
		return nil, models.WrapError(models.KindConfig, err, "applying environment overrides")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup-fatal rules.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return models.NewError(models.KindConfig, "server.listen_addr must be set")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresURI == "" {
			return models.NewError(models.KindConfig, "store.postgres_uri required for the postgres backend")
		}
	default:
		return models.NewError(models.KindConfig, "unknown store backend %q", c.Store.Backend)
	}
	if c.Cascade.DefaultMaxHops < 1 {
		return models.NewError(models.KindConfig, "cascade.default_max_hops must be at least 1")
	}
	if c.Cascade.FanOut < 1 {
		return models.NewError(models.KindConfig, "cascade.fan_out must be at least 1")
	}
	if c.Cache.MaxEntries < 1 || c.Cache.MaxValueBytes < 1 {
		return models.NewError(models.KindConfig, "cache limits must be positive")
	}
	switch c.Cache.Strategy {
	case "immediate", "debounced", "lazy":
	default:
		return models.NewError(models.KindConfig, "unknown cache strategy %q", c.Cache.Strategy)
	}
	if c.Semantic.SimilarityThreshold < 0 || c.Semantic.SimilarityThreshold > 1 {
		return models.NewError(models.KindConfig, "semantic.similarity_threshold must be within [0,1]")
	}
	if c.Semantic.ConfidenceThreshold < 0 || c.Semantic.ConfidenceThreshold > 1 {
		return models.NewError(models.KindConfig, "semantic.confidence_threshold must be within [0,1]")
	}
	if c.Partition.MaxCapsules < 1 {
		return models.NewError(models.KindConfig, "partition.max_capsules must be positive")
	}
	if c.Partition.RebalanceThreshold <= 0 || c.Partition.RebalanceThreshold >= 1 {
		return models.NewError(models.KindConfig, "partition.rebalance_threshold must be within (0,1)")
	}
	if c.Partition.MaxParallel < 1 {
		return models.NewError(models.KindConfig, "partition.max_parallel must be at least 1")
	}
	if c.Lineage.Tier1MinTrust < c.Lineage.Tier2MinTrust {
		return models.NewError(models.KindConfig, "lineage.tier1_min_trust must be >= tier2_min_trust")
	}
	if c.Lineage.Tier2MinTrust < 0 || c.Lineage.Tier1MinTrust > 100 {
		return models.NewError(models.KindConfig, "lineage trust thresholds must stay within 0-100")
	}
	if c.Lineage.MaxDeltaChain < 1 {
		return models.NewError(models.KindConfig, "lineage.max_delta_chain must be at least 1")
	}
	return nil
}
