package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LingByte/LingReach/pkg/config"
	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

// Config holds the configuration for LLM service
type Config struct {
	Provider    string        `json:"provider" yaml:"provider"`
	APIKey      string        `json:"api_key" yaml:"api_key"`
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	Model       string        `json:"model" yaml:"model"`
	Temperature float32       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns a default configuration using global config
func DefaultConfig() *Config {
	if config.GlobalConfig == nil {
		return &Config{
			Provider:   "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			MaxTokens:  64,
			Timeout:    8 * time.Second,
			MaxRetries: 2,
		}
	}

	llmConfig := config.GlobalConfig.Services.LLM
	return &Config{
		Provider:    llmConfig.Provider,
		APIKey:      llmConfig.APIKey,
		BaseURL:     llmConfig.BaseURL,
		Model:       llmConfig.Model,
		Temperature: llmConfig.Temperature,
		MaxTokens:   llmConfig.MaxTokens,
		Timeout:     llmConfig.Timeout,
		MaxRetries:  llmConfig.MaxRetries,
	}
}

// Service answers the two narrow questions the call flow asks of a model:
// which option an answer means, and what fact value an answer contains.
type Service struct {
	config  *Config
	handler *LLMHandler
	logger  *logrus.Logger
}

// NewService creates a new LLM service
func NewService(cfg *Config, logger *logrus.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Service{
		config:  cfg,
		handler: NewLLMHandler(cfg.APIKey, cfg.BaseURL, cfg.Timeout, cfg.MaxRetries+1, logger),
		logger:  logger,
	}
	logger.WithFields(logrus.Fields{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Info("LLM service initialized")
	return s, nil
}

// GetHandler returns the LLM handler
func (s *Service) GetHandler() *LLMHandler {
	return s.handler
}

// GetConfig returns the current configuration
func (s *Service) GetConfig() *Config {
	return s.config
}

const classifySystem = `You label a phone caller's answer to a survey question.
Reply with exactly one of the allowed values and nothing else.
If the answer does not clearly match any value, reply with: none`

// Classify maps utterance onto one of options. An empty string means no match.
func (s *Service) Classify(ctx context.Context, question string, options []string, language, utterance string) (string, error) {
	user := fmt.Sprintf("Language: %s\nQuestion: %s\nAllowed values: %s\nCaller said: %q",
		languageName(language), question, strings.Join(options, ", "), utterance)
	out, err := s.handler.Complete(ctx, CompletionRequest{
		Model:       s.config.Model,
		System:      classifySystem,
		User:        user,
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return "", err
	}
	out = strings.ToLower(strings.Trim(out, " .\"'`\n"))
	for _, opt := range options {
		if out == strings.ToLower(opt) {
			return opt, nil
		}
	}
	return "", nil
}

const extractSystem = `You read one identity fact out of a phone caller's words.
Respond with a JSON object {"value": "..."}.
For a date of birth use YYYY-MM-DD. For a ZIP code use five digits.
For the last four of a social security number use four digits.
If the caller did not state the fact, use an empty string.`

var factNames = map[session.Fact]string{
	session.FactDOB:  "date of birth",
	session.FactZIP:  "ZIP code",
	session.FactSSN4: "last four digits of social security number",
}

// ExtractFact asks the model for a canonical reading of fact in utterance.
func (s *Service) ExtractFact(ctx context.Context, fact session.Fact, language, utterance string) (string, error) {
	name, ok := factNames[fact]
	if !ok {
		return "", fmt.Errorf("unknown fact %q", fact)
	}
	out, err := s.handler.Complete(ctx, CompletionRequest{
		Model:       s.config.Model,
		System:      extractSystem,
		User:        fmt.Sprintf("Language: %s\nFact: %s\nCaller said: %q", languageName(language), name, utterance),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		JSON:        true,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Value string `json:"value"`
	}
	if err := sonic.UnmarshalString(out, &parsed); err != nil {
		return "", fmt.Errorf("decode extraction: %w", err)
	}
	return strings.TrimSpace(parsed.Value), nil
}

func languageName(lang string) string {
	if lang == constants.LANG_ES {
		return "Spanish"
	}
	return "English"
}
