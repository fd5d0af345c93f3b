package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/alang/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLLM            = "gemini"
	DefaultModel          = "gemini-2.5-flash"
	DefaultDataDirectory  = "~/.alang"
	DefaultHistoryLimit   = 50
	DefaultCommandTimeout = 30 * time.Second
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Sampling is the fixed generation configuration sent with every request.
type Sampling struct {
	Temperature     float32 `yaml:"temperature"`
	TopK            int32   `yaml:"top_k"`
	TopP            float32 `yaml:"top_p"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`
}

type Config struct {
	LLMClient        string           `yaml:"llm"`
	Model            string           `yaml:"model"`
	APIKey           string           `yaml:"api_key"`
	DataDirectory    string           `yaml:"data_directory"`
	Debug            bool             `yaml:"debug"`
	HistoryLimit     int              `yaml:"history_limit"`
	Sampling         Sampling         `yaml:"sampling"`
	CommandTimeout   time.Duration    `yaml:"command_timeout"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	return &Config{
		LLMClient:      DefaultLLM,
		Model:          DefaultModel,
		DataDirectory:  DefaultDataDirectory,
		HistoryLimit:   DefaultHistoryLimit,
		CommandTimeout: DefaultCommandTimeout,
		Sampling: Sampling{
			Temperature:     0.1,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 8192,
		},
	}
}

// LoadConfig loads configuration from the user's home directory, the current
// working directory and finally explicitPath (if non-empty), each layer
// overriding the previous one. Environment variables are applied last.
func LoadConfig(explicitPath string) (*Config, error) {
	cfg := Default()

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".alang", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".alang", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if explicitPath != "" {
		if err := loadFromFile(explicitPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", explicitPath)
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where later files replace earlier ones.
	return yaml.Unmarshal(data, cfg)
}

// backendKeyEnv names the provider-specific variable consulted when
// ALANG_API_KEY is unset.
var backendKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("ALANG_LLM"); v != "" {
		c.LLMClient = v
	}
	if v := getenv("ALANG_API_KEY"); v != "" {
		c.APIKey = v
	} else if name, ok := backendKeyEnv[c.LLMClient]; ok {
		if v := getenv(name); v != "" {
			c.APIKey = v
		}
	}
	if v := getenv("ALANG_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("ALANG_DATA_DIR"); v != "" {
		c.DataDirectory = v
	}
	if v := getenv("ALANG_DEBUG"); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			c.Debug = true
		default:
			c.Debug = false
		}
	}
}

// Validate checks the configuration once at startup. A missing credential is
// reported as an error wrapping errors.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.LLMClient {
	case "gemini", "openai", "anthropic":
		if strings.TrimSpace(c.APIKey) == "" {
			return errors.Wrapf(errors.ErrConfiguration,
				"an API key is required for the %s backend; set api_key in config.yaml or ALANG_API_KEY", c.LLMClient)
		}
	case "bedrock", "mock":
		// Credentials come from the AWS chain, or are not needed at all.
	default:
		return errors.Wrapf(errors.ErrConfiguration, "unknown llm backend '%s'", c.LLMClient)
	}
	if c.Model == "" && c.LLMClient != "mock" {
		return errors.Wrapf(errors.ErrConfiguration, "model must not be empty")
	}
	if c.CommandTimeout <= 0 {
		return errors.Wrapf(errors.ErrConfiguration, "command_timeout must be positive")
	}
	if c.HistoryLimit < 0 {
		return errors.Wrapf(errors.ErrConfiguration, "history_limit must not be negative")
	}
	return nil
}

// EnsureDataDirectory expands a leading ~ and creates the data directory.
func (c *Config) EnsureDataDirectory() (string, error) {
	dir := c.DataDirectory
	if dir == "" {
		dir = DefaultDataDirectory
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrapf(err, "could not resolve home directory")
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir[1:], "/"))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create data directory %s", dir)
	}
	return dir, nil
}

// DatabasePath is the SQLite file inside the data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "alang.db")
}
