package config

import "time"

// ContextConfig holds context-related flags
type ContextConfig struct {
	JSON string
	KV   []string
	File string
}

// UploadConfig holds upload-related flags
type UploadConfig struct {
	Provider   string
	Config     string
	ConfigKV   []string
	ConfigFile string
}

// WebhookConfig holds webhook-related flags
type WebhookConfig struct {
	// Direct configuration flags
	URL        string
	Method     string
	AuthType   string
	AuthToken  string
	Timeout    string
	Retries    int
	RetryDelay string

	// Alternative configuration methods
	Config     string
	ConfigKV   []string
	ConfigFile string
}

// StoreConfig holds the run history database flags
type StoreConfig struct {
	URL     string
	Migrate bool
}

// LogConfig holds logging flags shared by every command
type LogConfig struct {
	Verbose bool
	Format  string
}

// SelectionConfig holds the flags that pick recipes and their configurations
type SelectionConfig struct {
	Recipes         []string
	Filter          string
	MaxCombinations int
	DefaultsOnly    bool
	Capabilities    []string
}

// RunConfig holds the execution flags of the run command
type RunConfig struct {
	Workers         int
	TimeoutStr      string
	Timeout         time.Duration
	BuildTimeoutStr string
	BuildTimeout    time.Duration
	GraceStr        string
	Grace           time.Duration
	Artifacts       string
	WorkDir         string
	Format          string
	Report          string
}
