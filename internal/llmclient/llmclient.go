// Package llmclient wraps the external LLM providers behind one small
// interface: trajectory compression, embedding generation, and
// handoff-prompt summarization. Every call carries a 30s timeout and
// surfaces failures as apperrors.ExternalUnavailable rather than
// corrupting caller state.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ctxfold/sidecar/internal/apperrors"
	"github.com/ctxfold/sidecar/internal/config"
	"github.com/ctxfold/sidecar/internal/tokens"
)

// CompressResult is Compress's structured reply.
type CompressResult struct {
	Summary          string
	Decisions        []string
	Files            []string
	Errors           []string
	Progress         string
	OriginalTokens   int
	CompressedTokens int
	TokensSaved      int
	CompressionRatio float64
}

// Client is the collaborator contract FoldEngine and MemoryIndex depend
// on. anthropicClient (with openaiClient for embeddings) fulfils it; callers needing
// a deterministic stand-in for tests can supply their own implementation.
type Client interface {
	Compress(ctx context.Context, trajectory string, ratio float64) (*CompressResult, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GenerateHandoffPrompt(ctx context.Context, parentTaskDescription, reason string) (string, error)
	EmbeddingDimensions() int
}

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 30 * time.Second

// anthropicClient wraps anthropic-sdk-go for compression and handoff
// prompts; embeddings (Anthropic has no embedding endpoint) go through
// openaiClient when configured.
type anthropicClient struct {
	client *anthropic.Client
	model  string
	embed  *openaiClient
}

type openaiClient struct {
	client *openai.Client
	model  string
	dims   int
}

// New builds a Client from the sidecar's LLMConfig. Returns nil, no error
// if no provider is configured — callers treat a nil Client as "feature
// degraded".
func New(cfg config.LLMConfig, anthropicAPIKey, openaiAPIKey string) (Client, error) {
	var embed *openaiClient
	if openaiAPIKey != "" {
		embed = &openaiClient{
			client: openai.NewClient(openaiAPIKey),
			model:  cfg.EmbeddingModel,
			dims:   embeddingDimsForModel(cfg.EmbeddingModel),
		}
		if embed.model == "" {
			embed.model = string(openai.AdaEmbeddingV2)
			embed.dims = 1536
		}
	}

	if anthropicAPIKey == "" && embed == nil {
		return nil, nil
	}

	model := cfg.CompressionModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	if anthropicAPIKey == "" {
		// No compression/handoff provider; embeddings-only client.
		return &anthropicClient{embed: embed}, nil
	}

	c := anthropic.NewClient(option.WithAPIKey(anthropicAPIKey))
	return &anthropicClient{client: &c, model: model, embed: embed}, nil
}

func embeddingDimsForModel(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-3-small":
		return 1536
	default:
		return 1536
	}
}

// compressedReplyPrompt asks the model to emit a fixed section-tagged
// layout: SUMMARY/DECISIONS/FILES/ERRORS/PROGRESS, "- " bulleted.
// Parsing is whitespace-tolerant and case-insensitive on headers.
const compressedReplyPrompt = `Compress the following session trajectory for context-window recovery.

Respond using exactly this section-tagged layout, one bullet per line:

SUMMARY:
<a few sentences>
DECISIONS:
- decision one
- decision two
FILES:
- path/one
ERRORS:
- error one
PROGRESS:
<one line, percent-complete if knowable>

Trajectory:
`

func (c *anthropicClient) Compress(ctx context.Context, trajectory string, ratio float64) (*CompressResult, error) {
	originalTokens := tokens.Estimate(trajectory)

	if c.client == nil {
		return nil, apperrors.ExternalUnavailable(nil, "no compression provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(compressedReplyPrompt + trajectory)),
		},
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, apperrors.ExternalUnavailable(err, "compress: anthropic call failed")
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			reply.WriteString(tb.Text)
		}
	}

	result := parseCompressedReply(reply.String())
	result.OriginalTokens = originalTokens
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.3
	}
	result.CompressedTokens = tokens.Estimate(result.Summary) + len(result.Decisions)*10 + len(result.Files)*5 + len(result.Errors)*10
	if result.CompressedTokens == 0 {
		result.CompressedTokens = int(float64(originalTokens) * ratio)
	}
	if result.CompressedTokens > originalTokens {
		result.CompressedTokens = originalTokens
	}
	result.TokensSaved = originalTokens - result.CompressedTokens
	if originalTokens > 0 {
		result.CompressionRatio = float64(result.CompressedTokens) / float64(originalTokens)
	}
	return result, nil
}

// parseCompressedReply parses the section-tagged compression reply:
// whitespace-tolerant, case-insensitive section headers, "- " bullets.
// A reply missing the layout entirely becomes a raw-text summary rather
// than an error.
func parseCompressedReply(reply string) *CompressResult {
	sections := map[string][]string{}
	var current string
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "SUMMARY:"):
			current = "SUMMARY"
			rest := strings.TrimSpace(trimmed[len("SUMMARY:"):])
			if rest != "" {
				sections[current] = append(sections[current], rest)
			}
			continue
		case strings.HasPrefix(upper, "DECISIONS:"):
			current = "DECISIONS"
			continue
		case strings.HasPrefix(upper, "FILES:"):
			current = "FILES"
			continue
		case strings.HasPrefix(upper, "ERRORS:"):
			current = "ERRORS"
			continue
		case strings.HasPrefix(upper, "PROGRESS:"):
			current = "PROGRESS"
			rest := strings.TrimSpace(trimmed[len("PROGRESS:"):])
			if rest != "" {
				sections[current] = append(sections[current], rest)
			}
			continue
		}
		if current == "" || trimmed == "" {
			continue
		}
		item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
		if item == "" {
			continue
		}
		sections[current] = append(sections[current], item)
	}

	if len(sections) == 0 {
		return &CompressResult{Summary: truncate(reply, 4000)}
	}

	return &CompressResult{
		Summary:   strings.Join(sections["SUMMARY"], " "),
		Decisions: sections["DECISIONS"],
		Files:     sections["FILES"],
		Errors:    sections["ERRORS"],
		Progress:  strings.Join(sections["PROGRESS"], " "),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *anthropicClient) GenerateHandoffPrompt(ctx context.Context, parentTaskDescription, reason string) (string, error) {
	if c.client == nil {
		return "", apperrors.ExternalUnavailable(nil, "no handoff-prompt provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a short handoff prompt (2-3 sentences) for a fresh assistant session picking up work from a session that is spawning because of %q. Parent task: %s",
		reason, parentTaskDescription)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 512,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", apperrors.ExternalUnavailable(err, "generate handoff prompt: anthropic call failed")
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func (c *anthropicClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embed == nil {
		return nil, apperrors.ExternalUnavailable(nil, "no embedding provider configured")
	}
	out, err := c.embed.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *anthropicClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embed == nil {
		return nil, apperrors.ExternalUnavailable(nil, "no embedding provider configured")
	}
	return c.embed.embedBatch(ctx, texts)
}

func (c *anthropicClient) EmbeddingDimensions() int {
	if c.embed == nil {
		return 0
	}
	return c.embed.dims
}

func (e *openaiClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, apperrors.ExternalUnavailable(err, "embed batch: openai call failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.ExternalUnavailable(nil, "embed batch: expected %d vectors, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// MarshalCompressMetadata renders a CompressResult into the metadata map
// a fold checkpoint carries.
func MarshalCompressMetadata(r *CompressResult) map[string]any {
	return map[string]any{
		"summary":           r.Summary,
		"decisions":         r.Decisions,
		"files":             r.Files,
		"errors":            r.Errors,
		"progress":          r.Progress,
		"original_tokens":   r.OriginalTokens,
		"compressed_tokens": r.CompressedTokens,
		"tokens_saved":      r.TokensSaved,
		"compression_ratio": r.CompressionRatio,
	}
}

// CompressResultFromMetadata reverses MarshalCompressMetadata for callers
// reading a fold checkpoint's metadata back into a CompressResult.
func CompressResultFromMetadata(meta map[string]any) *CompressResult {
	r := &CompressResult{}
	if v, ok := meta["summary"].(string); ok {
		r.Summary = v
	}
	r.Decisions = stringSlice(meta["decisions"])
	r.Files = stringSlice(meta["files"])
	r.Errors = stringSlice(meta["errors"])
	if v, ok := meta["progress"].(string); ok {
		r.Progress = v
	}
	r.OriginalTokens = intFromAny(meta["original_tokens"])
	r.CompressedTokens = intFromAny(meta["compressed_tokens"])
	r.TokensSaved = intFromAny(meta["tokens_saved"])
	if v, ok := meta["compression_ratio"].(float64); ok {
		r.CompressionRatio = v
	}
	return r
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
