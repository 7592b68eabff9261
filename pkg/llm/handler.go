package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

var ErrNoChoices = errors.New("no response choices returned")

// LLMHandler issues single-turn completions against an OpenAI-compatible API.
// Each call is stateless; the call flow never keeps a running chat history.
type LLMHandler struct {
	client     *openai.Client
	logger     *logrus.Logger
	timeout    time.Duration
	maxRetries uint
}

// NewLLMHandler creates a new LLM handler
func NewLLMHandler(apiKey, endpoint string, timeout time.Duration, maxRetries int, logger *logrus.Logger) *LLMHandler {
	config := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		config.BaseURL = endpoint
	}
	client := openai.NewClientWithConfig(config)
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &LLMHandler{
		client:     client,
		logger:     logger,
		timeout:    timeout,
		maxRetries: uint(maxRetries),
	}
}

// CompletionRequest is one system+user exchange.
type CompletionRequest struct {
	Model       string
	System      string
	User        string
	Temperature float32
	MaxTokens   int
	JSON        bool
}

// Complete returns the assistant's reply, retrying transient failures.
func (h *LLMHandler) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	request := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	requestID := uuid.New().String()
	start := time.Now()
	content, err := backoff.Retry(ctx, func() (string, error) {
		cctx := ctx
		if h.timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
		response, err := h.client.CreateChatCompletion(cctx, request)
		if err != nil {
			if permanent(err) {
				return "", backoff.Permanent(err)
			}
			h.logger.WithError(err).WithField("requestID", requestID).Warn("LLM request failed, retrying")
			return "", err
		}
		if len(response.Choices) == 0 {
			return "", backoff.Permanent(ErrNoChoices)
		}
		return response.Choices[0].Message.Content, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(h.maxRetries))
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"requestID": requestID,
		"model":     req.Model,
		"elapsed":   time.Since(start).String(),
	}).Debug("LLM query completed")
	return strings.TrimSpace(content), nil
}

// permanent reports errors a retry cannot fix: bad requests and auth failures.
func permanent(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 && reqErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}
