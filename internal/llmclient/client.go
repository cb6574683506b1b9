// Package llmclient is the HTTP client for an OpenAI-compatible
// chat-completions JSON-mode endpoint. A single call here makes exactly
// one HTTP attempt — retrying a json-mode completion belongs to
// internal/llmstage, not the transport.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 15 * time.Second
	defaultMaxTokens   = 900
	defaultTemperature = 0.0
)

// ErrTimeout is returned when the request failed because it timed out,
// distinguished from other transport failures so callers can route to a
// fallback without mistaking a timeout for a malformed response.
var ErrTimeout = errors.New("llm request timeout")

// Completer is the fixed, typed contract every LLM-backed pipeline stage
// depends on. There is no tolerant/multi-signature calling convention —
// Go callers always pass a context and a prompt and always get back
// either the completion text or an error.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client is an OpenAI-compatible chat-completions client in JSON mode.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	timeout     time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTemperature overrides the sampling temperature (default 0.0).
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens overrides the response token cap (default 900).
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithRateLimit overrides the requests/sec limiter (default unlimited).
func WithRateLimit(ratePerSec float64) Option {
	return func(c *Client) {
		if ratePerSec > 0 {
			burst := int(ratePerSec)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		}
	}
}

// WithLogger overrides the client's structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New builds a Client for the given API key and model.
func New(apiKey, model, baseURL string, opts ...Option) *Client {
	if model == "" {
		model = defaultModel
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		timeout:     defaultTimeout,
		httpClient:  &http.Client{},
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model          string             `json:"model"`
	Messages       []chatMessage      `json:"messages"`
	Temperature    float64            `json:"temperature"`
	MaxTokens      int                `json:"max_tokens"`
	ResponseFormat chatResponseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatResponseMessage `json:"message"`
}

// chatResponseMessage.Content may be a plain string or, from some
// providers, a list of {"type":"text","text":"..."} parts.
type chatResponseMessage struct {
	Content json.RawMessage `json:"content"`
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single chat-completion request in JSON mode and
// returns the model's raw text response. It makes exactly one HTTP
// attempt; retrying is the caller's responsibility.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	payload := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ResponseFormat: chatResponseFormat{
			Type: "json_object",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding llm request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug().Str("endpoint", endpoint).Str("model", c.model).Msg("llm request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading llm response: %w", err)
	}

	c.log.Debug().Int("status", resp.StatusCode).Int("bytes", len(raw)).Msg("llm response")

	if resp.StatusCode != http.StatusOK {
		message := "llm chat completion failed"
		var envelope apiErrorEnvelope
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		return "", fmt.Errorf("llm http %d: %s", resp.StatusCode, message)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("llm response must be a json object: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("llm response missing choices")
	}

	text, err := extractContentText(parsed.Choices[0].Message.Content)
	if err != nil {
		return "", err
	}
	return text, nil
}

func extractContentText(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		text := strings.TrimSpace(asString)
		if text != "" {
			return text, nil
		}
		return "", errors.New("llm response missing content text")
	}

	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var chunks []string
		for _, p := range parts {
			if text := strings.TrimSpace(p.Text); text != "" {
				chunks = append(chunks, text)
			}
		}
		if len(chunks) > 0 {
			return strings.Join(chunks, "\n"), nil
		}
	}
	return "", errors.New("llm response missing content text")
}

// isTimeoutErr classifies a transport error as a timeout, matching
// against both Go's context/net timeout signals and substring markers
// (including the Chinese terms 超時/超时 some providers surface in
// wrapped error text) the same way llm_client.py's _is_timeout_exception
// does.
func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") || strings.Contains(message, "timed out") || strings.Contains(message, "time out") {
		return true
	}
	return strings.Contains(err.Error(), "超時") || strings.Contains(err.Error(), "超时")
}

// RuntimeInfo describes how BuildFromEnv resolved (or declined to
// resolve) an LLM client, mirroring build_llm_client_from_env's returned
// diagnostics dict so callers can surface the same reason codes.
type RuntimeInfo struct {
	Enabled         bool    `json:"enabled"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	BaseURL         string  `json:"base_url"`
	TimeoutSDefault float64 `json:"timeout_s_default"`
	Reason          string  `json:"reason"`
}

// BuildFromEnv resolves a Completer from environment variables, mirroring
// build_llm_client_from_env: POS_LLM_PROVIDER, POS_LLM_MODEL,
// POS_LLM_BASE_URL, POS_LLM_API_KEY (falling back to OPENAI_API_KEY),
// POS_LLM_TIMEOUT_S, POS_LLM_TEMPERATURE, POS_LLM_MAX_TOKENS, and
// POS_LLM_ENABLED. Returns (nil, info) with info.Reason explaining why
// when no client could be built.
func BuildFromEnv(getenv func(string) string) (Completer, RuntimeInfo) {
	if getenv == nil {
		getenv = os.Getenv
	}
	provider := strings.ToLower(textOr(getenv("POS_LLM_PROVIDER"), "openai"))
	model := textOr(getenv("POS_LLM_MODEL"), defaultModel)
	baseURL := textOr(getenv("POS_LLM_BASE_URL"), defaultBaseURL)
	apiKey := textOr(getenv("POS_LLM_API_KEY"), getenv("OPENAI_API_KEY"))
	timeoutS := floatOr(getenv("POS_LLM_TIMEOUT_S"), 15.0)
	temperature := floatOr(getenv("POS_LLM_TEMPERATURE"), 0.0)
	maxTokens := intOr(getenv("POS_LLM_MAX_TOKENS"), defaultMaxTokens)
	enabledFlag, hasEnabledFlag := boolOr(getenv("POS_LLM_ENABLED"))

	info := RuntimeInfo{
		Enabled:         false,
		Provider:        provider,
		Model:           model,
		BaseURL:         baseURL,
		TimeoutSDefault: timeoutS,
		Reason:          "unknown",
	}

	if hasEnabledFlag && !enabledFlag {
		info.Reason = "env_disabled"
		return nil, info
	}
	if provider != "openai" {
		info.Reason = "unsupported_provider"
		return nil, info
	}
	if apiKey == "" {
		info.Reason = "missing_api_key"
		return nil, info
	}

	client := New(apiKey, model, baseURL,
		WithTimeout(time.Duration(timeoutS*float64(time.Second))),
		WithTemperature(temperature),
		WithMaxTokens(maxTokens),
	)
	info.Enabled = true
	info.Reason = "ready"
	return client, info
}

func textOr(value, fallback string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return fallback
	}
	return text
}

func floatOr(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func intOr(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func boolOr(value string) (bool, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "1", "true", "yes", "on", "y":
		return true, true
	case "0", "false", "no", "off", "n":
		return false, true
	default:
		return false, false
	}
}

