package config

import "time"

// Config holds all application configuration.
type Config struct {
	Dataset   string   `mapstructure:"dataset"`
	Prompts   string   `mapstructure:"prompts"`
	OutputDir string   `mapstructure:"output_dir" validate:"required"`
	Rows      int      `mapstructure:"rows" validate:"gte=0"`
	Samples   int      `mapstructure:"samples" validate:"gte=1"`
	Workers   int      `mapstructure:"workers" validate:"gte=1,lte=1024"`
	Backends  []string `mapstructure:"backends"` // selection; empty means every catalogue entry

	Log        LogConfig        `mapstructure:"log"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Output     OutputConfig     `mapstructure:"output"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	Catalog []BackendConfig `mapstructure:"catalog" validate:"dive"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// RetryConfig is the single retry policy shared by both executors.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	Delay       time.Duration `mapstructure:"delay" validate:"gte=0"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

// BatchConfig contains the asynchronous batch job settings.
type BatchConfig struct {
	Backend          string        `mapstructure:"backend"` // empty means the first selected backend
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	JobAttempts      int           `mapstructure:"job_attempts" validate:"gte=1"`
	CompletionWindow string        `mapstructure:"completion_window" validate:"required"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=jsonl sqlite"`
	Sync   bool   `mapstructure:"sync"`
}

// OutputConfig selects the result table formats.
type OutputConfig struct {
	Formats              []string `mapstructure:"formats" validate:"min=1,dive,oneof=csv parquet"`
	IncludeCorrelationID bool     `mapstructure:"include_correlation_id"`
}

// MetricsConfig controls the Prometheus/status HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// Providers understood by the backend registry.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderEcho   = "echo"
)

// BackendConfig describes one backend. Passed explicitly to the registry.
type BackendConfig struct {
	ID          string  `mapstructure:"id" validate:"required"`
	Provider    string  `mapstructure:"provider" validate:"required,oneof=openai gemini echo"`
	Model       string  `mapstructure:"model" validate:"required_unless=Provider echo"`
	BaseURL     string  `mapstructure:"base_url" validate:"omitempty,url"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	Temperature float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `mapstructure:"max_tokens" validate:"gte=0"`
}

// DefaultCatalog returns the built-in backend table.
func DefaultCatalog() []BackendConfig {
	return []BackendConfig{
		{ID: "GPT-o3", Provider: ProviderOpenAI, Model: "o3-2025-04-16", BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
		{ID: "GeminiFlash", Provider: ProviderGemini, Model: "gemini-2.5-flash-preview-04-17", APIKeyEnv: "GEMINI_API_KEY"},
		{ID: "GeminiPro", Provider: ProviderGemini, Model: "gemini-2.5-pro-exp-03-25", APIKeyEnv: "GEMINI_API_KEY"},
		{ID: "DSChat", Provider: ProviderOpenAI, Model: "deepseek-chat", BaseURL: "https://api.deepseek.com", APIKeyEnv: "DEEPSEEK_API_KEY"},
		{ID: "DSReason", Provider: ProviderOpenAI, Model: "deepseek-reasoner", BaseURL: "https://api.deepseek.com", APIKeyEnv: "DEEPSEEK_API_KEY"},
		{ID: "Qwen1", Provider: ProviderOpenAI, Model: "deepseek-ai/DeepSeek-R1-Distill-Qwen-1.5B", BaseURL: "https://api.together.xyz/v1", APIKeyEnv: "TOGETHER_API_KEY"},
		{ID: "Qwen14", Provider: ProviderOpenAI, Model: "deepseek-ai/DeepSeek-R1-Distill-Qwen-14B", BaseURL: "https://api.together.xyz/v1", APIKeyEnv: "TOGETHER_API_KEY"},
		{ID: "Qwen70", Provider: ProviderOpenAI, Model: "deepseek-ai/DeepSeek-R1-Distill-Llama-70B", BaseURL: "https://api.together.xyz/v1", APIKeyEnv: "TOGETHER_API_KEY"},
	}
}

// Selected returns the catalogue entries named by Backends, in selection
// order. An empty selection returns the whole catalogue.
func (c *Config) Selected() ([]BackendConfig, error) {
	if len(c.Backends) == 0 {
		return c.Catalog, nil
	}

	byID := make(map[string]BackendConfig, len(c.Catalog))
	for _, b := range c.Catalog {
		byID[b.ID] = b
	}

	out := make([]BackendConfig, 0, len(c.Backends))
	seen := make(map[string]bool, len(c.Backends))
	for _, id := range c.Backends {
		b, ok := byID[id]
		if !ok {
			return nil, &UnknownBackendError{ID: id}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, b)
	}
	return out, nil
}

// UnknownBackendError reports a selected backend id missing from the catalogue.
type UnknownBackendError struct {
	ID string
}

func (e *UnknownBackendError) Error() string {
	return "unknown backend: " + e.ID
}
