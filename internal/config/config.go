// Package config loads the sidecar's JSON configuration file and merges it
// over compiled-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	"github.com/ctxfold/sidecar/internal/logging"
)

// LoadResult carries the merged config plus where it was read from.
type LoadResult struct {
	Config     *Config
	SourcePath string
	Created    bool // true if no config file existed and defaults were written
}

// Config is the sidecar's full runtime configuration.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Watcher  WatcherConfig  `json:"watcher"`
	EventBus EventBusConfig `json:"eventBus"`
	HTTP     HTTPConfig     `json:"http"`
	Fold     FoldConfig     `json:"fold"`
	LLM      LLMConfig      `json:"llm"`
	Curation CurationConfig `json:"curation"`
}

// StoreConfig configures the embedded database.
type StoreConfig struct {
	Path           string `json:"path"`
	WALMode        bool   `json:"walMode"`
	BusyTimeoutMs  int    `json:"busyTimeoutMs"`
	EnableVectorIf bool   `json:"enableVectorIfAvailable"`
}

// WatcherConfig configures transcript discovery.
type WatcherConfig struct {
	ExtraSourceDirs  []string `json:"extraSourceDirs"`
	ThrottleMs       int      `json:"throttleMs"`
	DefaultMaxTokens int      `json:"defaultMaxTokens"`
}

// EventBusConfig configures the SSE fan-out.
type EventBusConfig struct {
	QueueDepth       int `json:"queueDepth"`
	KeepaliveSeconds int `json:"keepaliveSeconds"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Listen string `json:"listen"`
}

// FoldConfig allows overriding the per-provider threshold table.
type FoldConfig struct {
	ProviderConfigPath string                   `json:"providerConfigPath"`
	ThresholdOverrides map[string]ProviderTable `json:"thresholdOverrides,omitempty"`
}

// ProviderTable is one provider's checkpoint/safety/compress/spawn row.
type ProviderTable struct {
	Checkpoint float64 `json:"checkpoint"`
	Safety     float64 `json:"safety"`
	Compress   float64 `json:"compress"`
	Spawn      float64 `json:"spawn"`
}

// CurationConfig schedules the periodic embedding-backfill and memory
// curation sweep.
type CurationConfig struct {
	IntervalMinutes int `json:"intervalMinutes"`
	MemoryCeiling   int `json:"memoryCeiling"`
	KeepTop         int `json:"keepTop"`
	EmbedBatchSize  int `json:"embedBatchSize"`
}

// LLMConfig names the providers/models used for each purpose. API keys are
// never stored here; they come from the environment only.
type LLMConfig struct {
	CompressionProvider string `json:"compressionProvider"`
	CompressionModel    string `json:"compressionModel"`
	EmbeddingProvider   string `json:"embeddingProvider"`
	EmbeddingModel      string `json:"embeddingModel"`
	SuggestionProvider  string `json:"suggestionProvider"`
	SuggestionModel     string `json:"suggestionModel"`
	RequestTimeoutSecs  int    `json:"requestTimeoutSecs"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".ctxfold")

	return &Config{
		Store: StoreConfig{
			Path:           filepath.Join(dataDir, "store.db"),
			WALMode:        true,
			BusyTimeoutMs:  5000,
			EnableVectorIf: true,
		},
		Watcher: WatcherConfig{
			ThrottleMs:       500,
			DefaultMaxTokens: 200000,
		},
		EventBus: EventBusConfig{
			QueueDepth:       64,
			KeepaliveSeconds: 30,
		},
		HTTP: HTTPConfig{
			Listen: ":8787",
		},
		Fold: FoldConfig{
			ProviderConfigPath: filepath.Join(home, ".ccs", "config.json"),
		},
		LLM: LLMConfig{
			CompressionProvider: "anthropic",
			CompressionModel:    "claude-sonnet-4-20250514",
			EmbeddingProvider:   "",
			SuggestionProvider:  "anthropic",
			SuggestionModel:     "claude-sonnet-4-20250514",
			RequestTimeoutSecs:  30,
		},
		Curation: CurationConfig{
			IntervalMinutes: 10,
			MemoryCeiling:   500,
			KeepTop:         200,
			EmbedBatchSize:  16,
		},
	}
}

// Load reads the config file at path (or the default location), merging it
// over Default(). If no file exists, defaults are written out so the file
// becomes the single source of truth for future edits.
func Load(path string) (*LoadResult, error) {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".ctxfold", "config.json")
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.L_info("config: no config file found, writing defaults", "path", path)
		if werr := AtomicWriteJSON(path, cfg, 0600); werr != nil {
			logging.L_warn("config: failed to write default config", "error", werr)
		}
		return &LoadResult{Config: cfg, SourcePath: path, Created: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var override Config
	if err := json.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	logging.L_debug("config: loaded", "path", path)
	return &LoadResult{Config: cfg, SourcePath: path}, nil
}
