// Package generate produces post text from a topic via an OpenAI-compatible
// chat-completions API. The engine treats it as an opaque collaborator: it
// may fail or time out, and the caller decides what to do about that.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"postwell/pkg/logx"
)

type Config struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key,omitempty"`
	// BaseURL overrides the API endpoint for compatible providers.
	BaseURL     string        `json:"base_url,omitempty"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1000
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Request describes one generation call.
type Request struct {
	Topic    string `json:"topic"`
	Tone     string `json:"tone,omitempty"`
	Language string `json:"language,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("generate: topic is required")
	}
	return nil
}

// toneDescriptions expands a tone keyword into the phrasing the prompt uses.
var toneDescriptions = map[string]string{
	"professional": "formal, business-appropriate, authoritative",
	"casual":       "friendly, conversational, approachable",
	"technical":    "detailed, precise, industry-specific",
	"creative":     "imaginative, innovative, engaging",
	"humorous":     "witty, funny, entertaining",
	"educational":  "informative, explanatory, clear",
}

const systemPrompt = `You are a Telegram channel content creator.
Create engaging posts optimized for Telegram.
Use formatting: bold, italic, code blocks.
Add relevant emojis.
Include hashtags at the end.
Keep message clear and scannable.
Language: %s
Tone: %s`

// Client generates channel posts. The zero value is not usable; construct
// with New.
type Client struct {
	cfg    Config
	client openai.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Enabled && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("generate: api key is required when enabled")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{cfg: cfg, client: openai.NewClient(opts...), log: log}, nil
}

func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

// Generate returns finished post text for the given topic.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if !c.Enabled() {
		return "", errors.New("generate: disabled")
	}
	if err := req.validate(); err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	tone := req.Tone
	if tone == "" {
		tone = "professional"
	}
	if desc, ok := toneDescriptions[tone]; ok {
		tone = desc
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	started := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(systemPrompt, lang, tone)),
			openai.UserMessage("Create a Telegram post about: " + req.Topic),
		},
		MaxTokens:   openai.Int(c.cfg.MaxTokens),
		Temperature: openai.Float(c.cfg.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("generate: empty response")
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("generate: empty completion text")
	}
	c.log.Debug("content generated",
		logx.String("model", c.cfg.Model),
		logx.Int64("input_tokens", completion.Usage.PromptTokens),
		logx.Int64("output_tokens", completion.Usage.CompletionTokens),
		logx.Duration("took", time.Since(started)))
	return text, nil
}
