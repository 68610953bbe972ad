package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/curetrials/trialchat/internal/locations"
	"github.com/curetrials/trialchat/internal/services"
	"gopkg.in/yaml.v3"
)

type extractorConfig interface {
	extractor(logger *slog.Logger) (locations.LLM, error)
}

// BaseLLMConfig contains the common fields for all extractor configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	UserHeader         string        `yaml:"userHeader"`
	SecureCookie       bool          `yaml:"secureCookie"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`

	Search    searchConfig    `yaml:"search"`
	Extractor extractorConfig `yaml:"extractor"`
	Geocoder  geocoderConfig  `yaml:"geocoder"`
	Store     storeConfig     `yaml:"store"`
	Streaming streamingConfig `yaml:"streaming"`
}

type searchConfig struct {
	Endpoint              string        `yaml:"endpoint"`
	Threshold             float64       `yaml:"threshold"`
	ExternalDataThreshold float64       `yaml:"externalDataThreshold"`
	Timeout               time.Duration `yaml:"timeout"`
	NResults              int           `yaml:"nResults"`
}

type geocoderConfig struct {
	AccessToken string        `yaml:"accessToken"`
	Endpoint    string        `yaml:"endpoint"`
	Delay       time.Duration `yaml:"delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

type storeConfig struct {
	// Driver is either "bolt" (default) or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type streamingConfig struct {
	Settle   *time.Duration `yaml:"settle"`
	Interval *time.Duration `yaml:"interval"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	defaultPort           = "8080"
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultOpenAIModel    = "gpt-4o-mini"
	openRouterBaseURL     = "https://openrouter.ai/api/v1"
	defaultSearchEndpoint = "http://localhost:8000/search"
	defaultOllamaHost     = "http://localhost:11434"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string          `yaml:"port"`
		LogLevel     string          `yaml:"logLevel"`
		LogFormat    string          `yaml:"logFormat"`
		UserHeader   string          `yaml:"userHeader"`
		SecureCookie bool            `yaml:"secureCookie"`
		SessionIdle  time.Duration   `yaml:"sessionIdleTimeout"`
		Search       searchConfig    `yaml:"search"`
		Extractor    map[string]any  `yaml:"extractor"`
		Geocoder     geocoderConfig  `yaml:"geocoder"`
		Store        storeConfig     `yaml:"store"`
		Streaming    streamingConfig `yaml:"streaming"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.UserHeader = rawConfig.UserHeader
	c.SecureCookie = rawConfig.SecureCookie
	c.SessionIdleTimeout = rawConfig.SessionIdle
	c.Search = rawConfig.Search
	c.Geocoder = rawConfig.Geocoder
	c.Store = rawConfig.Store
	c.Streaming = rawConfig.Streaming

	// Without an extractor only the pattern fallback finds locations.
	if len(rawConfig.Extractor) == 0 {
		return nil
	}

	provider, ok := rawConfig.Extractor["provider"].(string)
	if !ok {
		return fmt.Errorf("extractor provider is required")
	}

	extractorRawYAML, err := yaml.Marshal(rawConfig.Extractor)
	if err != nil {
		return err
	}

	var extractor extractorConfig
	switch provider {
	case "gemini":
		extractor = &geminiConfig{}
	case "openai":
		extractor = &openAIConfig{}
	case "openrouter":
		extractor = &openAIConfig{BaseURL: openRouterBaseURL}
	case "ollama":
		extractor = &ollamaConfig{}
	case "anthropic":
		extractor = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown extractor provider: %s", provider)
	}

	if err := yaml.Unmarshal(extractorRawYAML, extractor); err != nil {
		return err
	}

	c.Extractor = extractor
	return nil
}

// applyEnv fills unset values from the environment and the defaults.
func (c *config) applyEnv() {
	if c.Port == "" {
		c.Port = os.Getenv("PORT")
	}
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.Search.Endpoint == "" {
		c.Search.Endpoint = os.Getenv("SEARCH_ENDPOINT")
	}
	if c.Search.Endpoint == "" {
		c.Search.Endpoint = defaultSearchEndpoint
	}
	if c.Geocoder.AccessToken == "" {
		c.Geocoder.AccessToken = os.Getenv("MAPBOX_ACCESS_TOKEN")
	}
	if c.Geocoder.Delay == 0 {
		c.Geocoder.Delay = locations.DefaultGeocodeDelay
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "bolt"
	}
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) logger() (*slog.Logger, error) {
	level, err := c.logLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
}

func (g geminiConfig) extractor(logger *slog.Logger) (locations.LLM, error) {
	model := g.Model
	if model == "" {
		model = defaultGeminiModel
	}

	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	return services.NewOpenAICompat(apiKey, services.GeminiOpenAIBaseURL, model, logger), nil
}

func (o openAIConfig) extractor(logger *slog.Logger) (locations.LLM, error) {
	model := o.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	apiKey := o.APIKey
	if apiKey == "" && o.Provider == "openrouter" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAICompat(apiKey, o.BaseURL, model, logger), nil
}

func (o ollamaConfig) extractor(*slog.Logger) (locations.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}

	ollama, err := services.NewOllama(host, o.Model)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func (a anthropicConfig) extractor(logger *slog.Logger) (locations.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, a.MaxTokens, logger), nil
}
