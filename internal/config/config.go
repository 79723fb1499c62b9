package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type StorageConfig struct {
	GraphDB      string `toml:"graph_db"`
	SchemaPath   string `toml:"schema_path"`
	LockDir      string `toml:"lock_dir"`
	ManifestPath string `toml:"manifest_path"`
}

type FuzzyConfig struct {
	MinScore      float64 `toml:"min_score"`
	MaxCandidates int     `toml:"max_candidates"`
}

type ResolverConfig struct {
	InitialConfidence float64 `toml:"initial_confidence"`
	ContextBoost      float64 `toml:"context_boost"`
}

type ConsolidationConfig struct {
	CandidateLimit     int     `toml:"candidate_limit"`
	Concurrency        int     `toml:"concurrency"`
	MaxRetries         int     `toml:"max_retries"`
	LockTimeoutSeconds int     `toml:"lock_timeout_seconds"`
	PruneThreshold     int     `toml:"prune_threshold"`
	MergePairThreshold float64 `toml:"merge_pair_threshold"`
	ConfidenceWeight   float64 `toml:"confidence_weight"`

	// Minimum node confidence each verdict kind requires before it is
	// applied. Rename of a weak placeholder name clears a lower bar than
	// rename of an established one.
	DeleteThreshold       float64 `toml:"delete_threshold"`
	DeleteMaxConfidence   float64 `toml:"delete_max_confidence"`
	SplitThreshold        float64 `toml:"split_threshold"`
	RenameThreshold       float64 `toml:"rename_threshold"`
	RenameWeakThreshold   float64 `toml:"rename_weak_threshold"`
	RecategorizeThreshold float64 `toml:"recategorize_threshold"`
}

type JudgmentPrompts struct {
	Structural string `toml:"structural"`
	Merge      string `toml:"merge"`
	Prune      string `toml:"prune"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PropagateConfig struct {
	DocumentStoreURL string `toml:"document_store_url"`
	VectorStoreURL   string `toml:"vector_store_url"`
}

type Config struct {
	Storage       StorageConfig       `toml:"storage"`
	Fuzzy         FuzzyConfig         `toml:"fuzzy"`
	Resolver      ResolverConfig      `toml:"resolver"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Judgment      JudgmentPrompts     `toml:"judgment"`
	LLM           LLMConfig           `toml:"llm"`
	Server        ServerConfig        `toml:"server"`
	Propagate     PropagateConfig     `toml:"propagate"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.GraphDB == "" {
		c.Storage.GraphDB = "data/graph.db"
	}
	if c.Storage.LockDir == "" {
		c.Storage.LockDir = "data/locks"
	}
	if c.Storage.ManifestPath == "" {
		c.Storage.ManifestPath = "data/manifest.json"
	}
	if c.Fuzzy.MinScore == 0 {
		c.Fuzzy.MinScore = 0.72
	}
	if c.Fuzzy.MaxCandidates == 0 {
		c.Fuzzy.MaxCandidates = 10
	}
	if c.Resolver.InitialConfidence == 0 {
		c.Resolver.InitialConfidence = 0.3
	}
	if c.Resolver.ContextBoost == 0 {
		c.Resolver.ContextBoost = 0.05
	}
	if c.Consolidation.CandidateLimit == 0 {
		c.Consolidation.CandidateLimit = 50
	}
	if c.Consolidation.Concurrency == 0 {
		c.Consolidation.Concurrency = 4
	}
	if c.Consolidation.MaxRetries == 0 {
		c.Consolidation.MaxRetries = 3
	}
	if c.Consolidation.LockTimeoutSeconds == 0 {
		c.Consolidation.LockTimeoutSeconds = 120
	}
	if c.Consolidation.PruneThreshold == 0 {
		c.Consolidation.PruneThreshold = 15
	}
	if c.Consolidation.MergePairThreshold == 0 {
		c.Consolidation.MergePairThreshold = 0.6
	}
	if c.Consolidation.ConfidenceWeight == 0 {
		c.Consolidation.ConfidenceWeight = 0.15
	}
	if c.Consolidation.DeleteThreshold == 0 {
		c.Consolidation.DeleteThreshold = 0.9
	}
	if c.Consolidation.DeleteMaxConfidence == 0 {
		c.Consolidation.DeleteMaxConfidence = 0.4
	}
	if c.Consolidation.SplitThreshold == 0 {
		c.Consolidation.SplitThreshold = 0.8
	}
	if c.Consolidation.RenameThreshold == 0 {
		c.Consolidation.RenameThreshold = 0.7
	}
	if c.Consolidation.RenameWeakThreshold == 0 {
		c.Consolidation.RenameWeakThreshold = 0.5
	}
	if c.Consolidation.RecategorizeThreshold == 0 {
		c.Consolidation.RecategorizeThreshold = 0.75
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8321"
	}
}

// applyEnv lets deployment environments override secrets and endpoints
// without editing the TOML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOOM_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LOOM_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LOOM_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LOOM_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LOOM_GRAPH_DB"); v != "" {
		c.Storage.GraphDB = v
	}
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		c.Server.Addr = v
	}
}
