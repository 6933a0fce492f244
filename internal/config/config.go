// Package config provides configuration loading for troubleshootd.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables. Sections map one-to-one to the engine's components.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete troubleshootd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
	Store         StoreConfig         `koanf:"store"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	LLM           LLMConfig           `koanf:"llm"`
	Memory        MemoryConfig        `koanf:"memory"`
	Context       ContextConfig       `koanf:"context"`
	Classifier    ClassifierConfig    `koanf:"classifier"`
	Phase         PhaseConfig         `koanf:"phase"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	Tools         ToolsConfig         `koanf:"tools"`
	Secrets       SecretsConfig       `koanf:"secrets"`
	Events        EventsConfig        `koanf:"events"`
}

// ServerConfig holds the diagnostics HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry trace and metric export settings.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	ServiceName     string   `koanf:"service_name"`
	Version         string   `koanf:"service_version"`
	Shutdown        Duration `koanf:"shutdown_timeout"`
	Metrics         bool     `koanf:"metrics"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// StoreConfig selects the key-value backend used by the fast memory tiers
// and the agent state repository.
type StoreConfig struct {
	Backend    string `koanf:"backend"` // memory, nats, sqlite
	NATSURL    string `koanf:"nats_url"`
	NATSBucket string `koanf:"nats_bucket"`
	SQLitePath string `koanf:"sqlite_path"`
}

// VectorStoreConfig selects the episodic vector index.
type VectorStoreConfig struct {
	Provider        string `koanf:"provider"` // chromem, qdrant
	Collection      string `koanf:"collection"`
	ChromemPath     string `koanf:"chromem_path"` // empty keeps the index in memory
	ChromemCompress bool   `koanf:"chromem_compress"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantAPIKey    Secret `koanf:"qdrant_api_key"`
	QdrantTLS       bool   `koanf:"qdrant_tls"`
	VectorSize      int    `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // tei, openai, fastembed
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// LLMConfig holds language model provider settings.
type LLMConfig struct {
	Provider    string   `koanf:"provider"` // openai, anthropic
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second
	RateBurst   int      `koanf:"rate_burst"`
}

// MemoryConfig holds tier sizes, TTLs and retrieval timeouts.
type MemoryConfig struct {
	WorkingCap       int      `koanf:"working_cap"`
	WorkingTTL       Duration `koanf:"working_ttl"`
	SessionTTL       Duration `koanf:"session_ttl"`
	FastTierTimeout  Duration `koanf:"fast_tier_timeout"`
	EpisodicTimeout  Duration `koanf:"episodic_timeout"`
	RetrievalLimit   int      `koanf:"retrieval_limit"`
	MinSignalRepeats int      `koanf:"min_signal_repeats"`
}

// ContextConfig holds context builder settings.
type ContextConfig struct {
	TokenBudget int `koanf:"token_budget"`
}

// ClassifierConfig holds query classifier settings.
type ClassifierConfig struct {
	EscalationThreshold float64 `koanf:"escalation_threshold"`
	MaxQueryLength      int     `koanf:"max_query_length"`
}

// PhaseConfig holds phase state machine settings.
type PhaseConfig struct {
	LoopBound          int     `koanf:"loop_bound"`
	DecayFactor        float64 `koanf:"decay_factor"`
	AnchoringThreshold int     `koanf:"anchoring_threshold"`
	DoctrineFile       string  `koanf:"doctrine_file"`
}

// WorkflowConfig holds reason-act loop settings.
type WorkflowConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	ToolTimeout   Duration `koanf:"tool_timeout"`
	MaxInsights   int      `koanf:"max_insights"`
}

// ConsolidationConfig holds consolidation queue settings.
type ConsolidationConfig struct {
	QueueSize     int      `koanf:"queue_size"`
	Workers       int      `koanf:"workers"`
	JobTimeout    Duration `koanf:"job_timeout"`
	SweepInterval Duration `koanf:"sweep_interval"` // zero disables the sweep
}

// ToolsConfig holds tool catalog settings.
type ToolsConfig struct {
	MCPCommand string   `koanf:"mcp_command"` // command serving the MCP-backed tools; empty disables them
	MCPArgs    []string `koanf:"mcp_args"`
	ProbeHosts []string `koanf:"probe_hosts"` // allowed hosts for network probes; empty allows all
}

// SecretsConfig holds sanitizer settings.
type SecretsConfig struct {
	Disabled      bool   `koanf:"disabled"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// EventsConfig holds turn event publishing settings.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"` // empty disables publishing
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.Store.NATSURL == "" {
			return errors.New("store.nats_url required for nats backend")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (expected memory, nats or sqlite)", c.Store.Backend)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vectorstore provider %q (expected chromem or qdrant)", c.VectorStore.Provider)
	}

	if c.Memory.WorkingCap < 1 {
		return fmt.Errorf("memory.working_cap must be >= 1, got %d", c.Memory.WorkingCap)
	}
	if c.Context.TokenBudget < 0 {
		return fmt.Errorf("context.token_budget must be >= 0, got %d", c.Context.TokenBudget)
	}
	if c.Classifier.EscalationThreshold < 0 || c.Classifier.EscalationThreshold > 1 {
		return fmt.Errorf("classifier.escalation_threshold must be in [0,1], got %v", c.Classifier.EscalationThreshold)
	}
	if c.Phase.LoopBound < 1 {
		return fmt.Errorf("phase.loop_bound must be >= 1, got %d", c.Phase.LoopBound)
	}
	if c.Phase.DecayFactor <= 0 || c.Phase.DecayFactor > 1 {
		return fmt.Errorf("phase.decay_factor must be in (0,1], got %v", c.Phase.DecayFactor)
	}
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow.max_iterations must be >= 1, got %d", c.Workflow.MaxIterations)
	}
	if c.Workflow.ToolTimeout.Duration() <= 0 {
		return errors.New("workflow.tool_timeout must be positive")
	}
	if c.Consolidation.QueueSize < 1 || c.Consolidation.Workers < 1 {
		return errors.New("consolidation.queue_size and consolidation.workers must be >= 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint required when telemetry is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "troubleshootd"
	}
	if cfg.Telemetry.Version == "" {
		cfg.Telemetry.Version = "0.1.0"
	}
	if cfg.Telemetry.Shutdown == 0 {
		cfg.Telemetry.Shutdown = Duration(5 * time.Second)
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = Duration(30 * time.Second)
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.NATSBucket == "" {
		cfg.Store.NATSBucket = "troubleshootd"
	}

	// chromem is the default: embedded, no external services
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "episodes"
	}
	if cfg.VectorStore.QdrantHost == "" {
		cfg.VectorStore.QdrantHost = "localhost"
	}
	if cfg.VectorStore.QdrantPort == 0 {
		cfg.VectorStore.QdrantPort = 6334
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 384 // bge-small-en-v1.5
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(30 * time.Second)
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 2
	}
	if cfg.LLM.RateBurst == 0 {
		cfg.LLM.RateBurst = 4
	}

	if cfg.Memory.WorkingCap == 0 {
		cfg.Memory.WorkingCap = 20
	}
	if cfg.Memory.WorkingTTL == 0 {
		cfg.Memory.WorkingTTL = Duration(2 * time.Hour)
	}
	if cfg.Memory.SessionTTL == 0 {
		cfg.Memory.SessionTTL = Duration(24 * time.Hour)
	}
	if cfg.Memory.FastTierTimeout == 0 {
		cfg.Memory.FastTierTimeout = Duration(150 * time.Millisecond)
	}
	if cfg.Memory.EpisodicTimeout == 0 {
		cfg.Memory.EpisodicTimeout = Duration(500 * time.Millisecond)
	}
	if cfg.Memory.RetrievalLimit == 0 {
		cfg.Memory.RetrievalLimit = 10
	}
	if cfg.Memory.MinSignalRepeats == 0 {
		cfg.Memory.MinSignalRepeats = 2
	}

	if cfg.Context.TokenBudget == 0 {
		cfg.Context.TokenBudget = 2000
	}

	if cfg.Classifier.EscalationThreshold == 0 {
		cfg.Classifier.EscalationThreshold = 0.6
	}
	if cfg.Classifier.MaxQueryLength == 0 {
		cfg.Classifier.MaxQueryLength = 4096
	}

	if cfg.Phase.LoopBound == 0 {
		cfg.Phase.LoopBound = 3
	}
	if cfg.Phase.DecayFactor == 0 {
		cfg.Phase.DecayFactor = 0.85
	}
	if cfg.Phase.AnchoringThreshold == 0 {
		cfg.Phase.AnchoringThreshold = 3
	}

	if cfg.Workflow.MaxIterations == 0 {
		cfg.Workflow.MaxIterations = 5
	}
	if cfg.Workflow.ToolTimeout == 0 {
		cfg.Workflow.ToolTimeout = Duration(10 * time.Second)
	}
	if cfg.Workflow.MaxInsights == 0 {
		cfg.Workflow.MaxInsights = 3
	}

	if cfg.Consolidation.QueueSize == 0 {
		cfg.Consolidation.QueueSize = 256
	}
	if cfg.Consolidation.Workers == 0 {
		cfg.Consolidation.Workers = 2
	}
	if cfg.Consolidation.JobTimeout == 0 {
		cfg.Consolidation.JobTimeout = Duration(5 * time.Second)
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "troubleshootd.sessions"
	}
}
