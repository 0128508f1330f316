// Package classify implements the two model-backed classification stages:
// listing triage over reduced page text and deep analysis of a single
// solicitation document.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/llm"
	"github.com/JakeFAU/rfp-scanner/internal/metrics"
	"github.com/JakeFAU/rfp-scanner/internal/reduce"
	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

// Defaults applied when Options leaves a field unset.
const (
	DefaultStage1MaxTokens = 16000
	DefaultStage2MaxTokens = 4000
	DefaultTemperature     = 0.1
	DefaultMaxAttempts     = 3
	DefaultMinWait         = 2 * time.Second
	DefaultMaxWait         = 30 * time.Second
)

// ErrMalformedResponse reports a reply that did not contain the expected JSON.
var ErrMalformedResponse = errors.New("malformed model response")

// Options configures a classification stage.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	Retry       retry.Policy
}

func (o Options) withDefaults(maxTokens int64) Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = maxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if o.Retry.MinWait <= 0 {
		o.Retry.MinWait = DefaultMinWait
	}
	if o.Retry.MaxWait <= 0 {
		o.Retry.MaxWait = DefaultMaxWait
	}
	return o
}

// Stage1 extracts and triages every opportunity on a listing page.
type Stage1 struct {
	client llm.Client
	opts   Options
	logger *zap.Logger
}

// NewStage1 constructs a listing classifier.
func NewStage1(client llm.Client, opts Options, logger *zap.Logger) *Stage1 {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage1{client: client, opts: opts.withDefaults(DefaultStage1MaxTokens), logger: logger}
}

type stage1Reply struct {
	Opportunities []stage1Item `json:"opportunities"`
	TotalFound    int          `json:"total_found"`
	RelevantCount int          `json:"relevant_count"`
	PageSummary   string       `json:"page_summary"`
}

type stage1Item struct {
	DocumentID     string  `json:"document_id"`
	EventName      string  `json:"event_name"`
	DocumentURL    *string `json:"document_url"`
	EventStartDate *string `json:"event_start_date"`
	ResponseDue    *string `json:"response_due_date"`
	LastUpdated    *string `json:"last_updated"`
	IsRelevant     bool    `json:"is_relevant"`
	Category       string  `json:"predicted_category"`
	Confidence     float64 `json:"classification_confidence"`
	Reason         string  `json:"classification_reason"`
}

func (it stage1Item) candidate() crawler.Candidate {
	return crawler.Candidate{
		ExternalID:  strings.TrimSpace(it.DocumentID),
		Title:       strings.TrimSpace(it.EventName),
		DocumentURL: deref(it.DocumentURL),
		PostedDate:  deref(it.EventStartDate),
		DueDate:     deref(it.ResponseDue),
		LastUpdated: deref(it.LastUpdated),
		IsRelevant:  it.IsRelevant,
		Category:    NormalizeCategory(it.Category, it.IsRelevant),
		Confidence:  crawler.ClampConfidence(it.Confidence),
		Reason:      it.Reason,
	}
}

// Classify issues one model call per chunk and merges the results in chunk
// order. A chunk that still fails after retries fails the whole page.
func (s *Stage1) Classify(ctx context.Context, sourceURL string, chunks []string) ([]crawler.Candidate, error) {
	var all []crawler.Candidate
	for i, chunk := range chunks {
		items, err := s.classifyChunk(ctx, sourceURL, chunk, i+1, len(chunks))
		if err != nil {
			return nil, fmt.Errorf("classify chunk %d of %d: %w", i+1, len(chunks), err)
		}
		all = append(all, items...)
	}
	merged := MergeCandidates(all)

	relevant := 0
	for _, c := range merged {
		if c.IsRelevant {
			relevant++
		}
	}
	s.logger.Info("listing classified",
		zap.String("url", sourceURL),
		zap.Int("chunks", len(chunks)),
		zap.Int("total_found", len(merged)),
		zap.Int("relevant", relevant),
	)
	return merged, nil
}

func (s *Stage1) classifyChunk(ctx context.Context, sourceURL, chunk string, n, total int) ([]crawler.Candidate, error) {
	temp := s.opts.Temperature
	req := llm.MessageRequest{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		System:      stage1System(n, total),
		Temperature: &temp,
		Messages:    []llm.Message{{Role: "user", Content: stage1User(sourceURL, chunk)}},
	}
	policy := s.opts.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("stage1 call failed, retrying",
			zap.String("url", sourceURL),
			zap.Int("chunk", n),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	return retry.DoVal(ctx, policy, func(ctx context.Context) ([]crawler.Candidate, error) {
		start := time.Now()
		resp, err := s.client.CreateMessage(ctx, req)
		if err != nil {
			metrics.ObserveLLMCall("stage1", "error", 0, 0)
			return nil, err
		}
		var reply stage1Reply
		if err := decodeReply(resp.Text(), &reply); err != nil {
			metrics.ObserveLLMCall("stage1", "malformed", resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return nil, err
		}
		metrics.ObserveLLMCall("stage1", "success", resp.Usage.InputTokens, resp.Usage.OutputTokens)
		s.logger.Debug("stage1 chunk classified",
			zap.String("url", sourceURL),
			zap.Int("chunk", n),
			zap.Int("chunks", total),
			zap.Int("est_tokens", reduce.EstimateTokens(chunk)),
			zap.Int64("input_tokens", resp.Usage.InputTokens),
			zap.Int64("output_tokens", resp.Usage.OutputTokens),
			zap.Int("opportunities", len(reply.Opportunities)),
			zap.Duration("duration", time.Since(start)),
		)
		out := make([]crawler.Candidate, 0, len(reply.Opportunities))
		for _, item := range reply.Opportunities {
			out = append(out, item.candidate())
		}
		return out, nil
	})
}

// MergeCandidates drops later occurrences of an external id. Candidates with
// an empty id cannot be matched and are always kept.
func MergeCandidates(in []crawler.Candidate) []crawler.Candidate {
	seen := make(map[string]struct{}, len(in))
	out := make([]crawler.Candidate, 0, len(in))
	for _, c := range in {
		if c.ExternalID == "" {
			out = append(out, c)
			continue
		}
		if _, dup := seen[c.ExternalID]; dup {
			continue
		}
		seen[c.ExternalID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// decodeReply unmarshals the JSON object embedded in a model reply, ignoring
// code fences or prose around it.
func decodeReply(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object", ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
