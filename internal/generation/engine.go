package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/observability"
	"github.com/zulandar/citeline/internal/retrieval"
)

// Engine defaults.
const (
	DefaultModel           = "gpt-4o-mini"
	DefaultMaxTokens       = 1024
	DefaultTimeout         = 60 * time.Second
	DefaultHistoryMessages = 5
)

// Generation paths, as reported in metrics and message metadata.
const (
	PathStructured = "structured"
	PathFallback   = "fallback"
	PathShortcut   = "shortcut"
	PathError      = "error"
)

// ChatCompleter is the language-model collaborator. *openai.Client
// satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint. An
// empty baseURL uses the OpenAI default.
func NewOpenAIClient(baseURL, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Request is one question to answer.
type Request struct {
	Question string
	Chunks   []retrieval.Chunk
	Mode     string // strict, balanced or creative; empty means balanced
	Model    string // empty uses the engine default
	History  []Turn
}

// Usage accumulates token use and latency over every model call made for
// one Generate.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	Model            string
	Temperature      float64
}

func (u *Usage) add(resp openai.ChatCompletionResponse) {
	u.PromptTokens += resp.Usage.PromptTokens
	u.CompletionTokens += resp.Usage.CompletionTokens
	u.TotalTokens += resp.Usage.TotalTokens
	if resp.Model != "" {
		u.Model = resp.Model
	}
}

// Result is a generated answer. SourcesUsed is empty when Fallback is set:
// the plain-text path cannot say which excerpts were used.
type Result struct {
	Text        string
	SourcesUsed []SourceUse
	Fallback    bool
	Path        string
	Usage       Usage
}

// Engine answers questions with a ChatCompleter.
type Engine struct {
	client          ChatCompleter
	defaultModel    string
	maxTokens       int
	timeout         time.Duration
	historyMessages int
	metrics         *metrics.Metrics
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Client          ChatCompleter
	DefaultModel    string        // defaults to DefaultModel
	MaxTokens       int           // defaults to DefaultMaxTokens
	Timeout         time.Duration // per model call; defaults to DefaultTimeout
	HistoryMessages int           // defaults to DefaultHistoryMessages
	Metrics         *metrics.Metrics
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("generation: client is required")
	}
	e := &Engine{
		client:          opts.Client,
		defaultModel:    opts.DefaultModel,
		maxTokens:       opts.MaxTokens,
		timeout:         opts.Timeout,
		historyMessages: opts.HistoryMessages,
		metrics:         opts.Metrics,
	}
	if e.defaultModel == "" {
		e.defaultModel = DefaultModel
	}
	if e.maxTokens <= 0 {
		e.maxTokens = DefaultMaxTokens
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.historyMessages <= 0 {
		e.historyMessages = DefaultHistoryMessages
	}
	return e, nil
}

// Generate answers req. It first asks for a structured reply; if the call
// fails or the reply cannot be parsed it asks once more for plain text.
// An error is returned only when both attempts fail.
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("generation: question is required")
	}
	model := req.Model
	if model == "" {
		model = e.defaultModel
	}
	usage := Usage{Model: model, Temperature: Temperature(mode)}
	log := observability.LoggerFromContext(ctx).With("mode", mode, "model", model)

	if mode == models.ModeStrict && len(req.Chunks) == 0 {
		e.metrics.Generation(mode, PathShortcut, 0, 0)
		log.Info("strict mode without excerpts, skipping model call")
		return &Result{Text: InsufficientInformation, Path: PathShortcut, Usage: usage}, nil
	}

	history := lastTurns(req.History, e.historyMessages)
	start := time.Now()

	reply, structErr := e.structured(ctx, model, mode, question, req.Chunks, history, &usage)
	if structErr == nil {
		usage.LatencyMs = time.Since(start).Milliseconds()
		e.metrics.Generation(mode, PathStructured, usage.PromptTokens, usage.CompletionTokens)
		return &Result{
			Text:        reply.Message,
			SourcesUsed: reply.SourcesUsed,
			Path:        PathStructured,
			Usage:       usage,
		}, nil
	}
	log.Warn("structured generation failed, falling back to plain text", "error", structErr)

	text, err := e.plain(ctx, model, mode, question, req.Chunks, history, &usage)
	usage.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		e.metrics.Generation(mode, PathError, usage.PromptTokens, usage.CompletionTokens)
		return nil, fmt.Errorf("generation: generate: %w", errors.Join(structErr, err))
	}
	e.metrics.Generation(mode, PathFallback, usage.PromptTokens, usage.CompletionTokens)
	return &Result{
		Text:     text,
		Fallback: true,
		Path:     PathFallback,
		Usage:    usage,
	}, nil
}

func (e *Engine) structured(ctx context.Context, model, mode, question string, chunks []retrieval.Chunk, history []Turn, usage *Usage) (*StructuredReply, error) {
	req := e.request(model, mode, BuildMessages(mode, question, chunks, history, true))
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "cited_answer",
			Schema: replySchema,
			Strict: true,
		},
	}
	content, err := e.complete(ctx, req, usage)
	if err != nil {
		return nil, err
	}
	return ParseStructured(content)
}

func (e *Engine) plain(ctx context.Context, model, mode, question string, chunks []retrieval.Chunk, history []Turn, usage *Usage) (string, error) {
	content, err := e.complete(ctx, e.request(model, mode, BuildMessages(mode, question, chunks, history, false)), usage)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}

func (e *Engine) request(model, mode string, msgs []openai.ChatCompletionMessage) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   e.maxTokens,
		Temperature: float32(Temperature(mode)),
	}
}

// complete runs one bounded model call and returns the first choice.
func (e *Engine) complete(ctx context.Context, req openai.ChatCompletionRequest, usage *Usage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	usage.add(resp)
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}
	return resp.Choices[0].Message.Content, nil
}
