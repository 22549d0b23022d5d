package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/viper"
)

// Config carries every runtime setting of the service. The IRIS_* names are
// kept for drop-in compatibility with existing deployments even though the
// store behind them is PostgreSQL with the pgvector extension.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	IRISHost      string `mapstructure:"IRIS_HOST"`
	IRISPort      string `mapstructure:"IRIS_PORT"`
	IRISUsername  string `mapstructure:"IRIS_USERNAME"`
	IRISPassword  string `mapstructure:"IRIS_PASSWORD"`
	IRISNamespace string `mapstructure:"IRIS_NAMESPACE"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRBaseURL string `mapstructure:"FHIR_BASE_URL"`

	EmbeddingURL        string `mapstructure:"EMBEDDING_URL"`
	EmbeddingTextModel  string `mapstructure:"EMBEDDING_TEXT_MODEL"`
	EmbeddingImageModel string `mapstructure:"EMBEDDING_IMAGE_MODEL"`

	LLMURL    string `mapstructure:"LLM_URL"`
	LLMAPIKey string `mapstructure:"LLM_API_KEY"`
	LLMModel  string `mapstructure:"LLM_MODEL"`

	SessionSecret string `mapstructure:"SESSION_SECRET"`
}

// Load reads configuration from the environment and from an optional .env
// file. CONFIG_PATH overrides the .env location. A missing file is not an
// error; missing required values are reported by Validate.
func Load() (*Config, error) {
	v := viper.New()

	envFile := os.Getenv("CONFIG_PATH")
	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("IRIS_HOST", "localhost")
	v.SetDefault("IRIS_PORT", "5432")
	v.SetDefault("IRIS_NAMESPACE", "clinrag")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("EMBEDDING_URL", "http://localhost:8000/v1/embeddings")
	v.SetDefault("EMBEDDING_TEXT_MODEL", "all-MiniLM-L6-v2")
	v.SetDefault("EMBEDDING_IMAGE_MODEL", "nvidia/nvclip")
	v.SetDefault("LLM_URL", "http://localhost:8001/v1")
	v.SetDefault("LLM_MODEL", "meta/llama-3.1-8b-instruct")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("IRIS_HOST")
	v.BindEnv("IRIS_PORT")
	v.BindEnv("IRIS_USERNAME")
	v.BindEnv("IRIS_PASSWORD")
	v.BindEnv("IRIS_NAMESPACE")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("EMBEDDING_URL")
	v.BindEnv("EMBEDDING_TEXT_MODEL")
	v.BindEnv("EMBEDDING_IMAGE_MODEL")
	v.BindEnv("LLM_URL")
	v.BindEnv("LLM_API_KEY")
	v.BindEnv("LLM_MODEL")
	v.BindEnv("SESSION_SECRET")

	// Try reading the env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// DatabaseURL assembles a postgres connection URL from the IRIS_* parts.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", c.IRISHost, c.IRISPort),
		Path:   "/" + c.IRISNamespace,
	}
	if c.IRISUsername != "" {
		u.User = url.UserPassword(c.IRISUsername, c.IRISPassword)
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration can reach the data store. Missing
// values here are fatal at startup for commands that touch the database.
func (c *Config) Validate() error {
	if c.IRISUsername == "" {
		return fmt.Errorf("IRIS_USERNAME is required")
	}
	if c.IRISPassword == "" {
		return fmt.Errorf("IRIS_PASSWORD is required")
	}
	if c.EmbeddingURL == "" {
		return fmt.Errorf("EMBEDDING_URL is required")
	}
	return nil
}

// ValidateServe extends Validate with the settings the HTTP API needs. In
// production a session secret must be provided; development falls back to an
// ephemeral one generated by the server.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IsProduction() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in production")
	}
	return nil
}
