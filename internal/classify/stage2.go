package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/llm"
	"github.com/JakeFAU/rfp-scanner/internal/metrics"
	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

// DefaultDocumentCharLimit bounds the document text sent for analysis.
const DefaultDocumentCharLimit = 80000

const truncationMarker = "\n... [document truncated]"

// Stage2 performs deep analysis of one solicitation document.
type Stage2 struct {
	client    llm.Client
	opts      Options
	charLimit int
	logger    *zap.Logger
}

// NewStage2 constructs a document analyzer. charLimit <= 0 selects
// DefaultDocumentCharLimit.
func NewStage2(client llm.Client, opts Options, charLimit int, logger *zap.Logger) *Stage2 {
	if logger == nil {
		logger = zap.NewNop()
	}
	if charLimit <= 0 {
		charLimit = DefaultDocumentCharLimit
	}
	return &Stage2{
		client:    client,
		opts:      opts.withDefaults(DefaultStage2MaxTokens),
		charLimit: charLimit,
		logger:    logger,
	}
}

type stage2Reply struct {
	ConfirmedCategory        string                         `json:"confirmed_category"`
	CategoryConfidence       float64                        `json:"category_confidence"`
	Summary                  string                         `json:"summary"`
	ScopeOfWork              *string                        `json:"scope_of_work"`
	EstimatedValue           json.RawMessage                `json:"estimated_value"`
	RequiresPrequalification bool                           `json:"requires_prequalification"`
	PrequalificationDetails  []crawler.PrequalificationItem `json:"prequalification_details"`
	Eligibility              *string                        `json:"eligibility_requirements"`
	Certifications           []string                       `json:"certifications_required"`
	IsDiscretionary          bool                           `json:"is_discretionary"`
	DiscretionaryReason      *string                        `json:"discretionary_reason"`
	Contact                  *crawler.Contact               `json:"contact_info"`
	SubmissionDeadline       *string                        `json:"submission_deadline"`
	PrequalificationDeadline *string                        `json:"prequalification_deadline"`
	KeyRequirements          []string                       `json:"key_requirements"`
	TechnologyStack          []string                       `json:"technology_stack"`
}

func (r stage2Reply) enrichment() crawler.Enrichment {
	e := crawler.Enrichment{
		Classification: crawler.Classification{
			ConfirmedCategory: NormalizeCategory(r.ConfirmedCategory, true),
			Confidence:        crawler.ClampConfidence(r.CategoryConfidence),
			Summary:           strings.TrimSpace(r.Summary),
		},
		ScopeOfWork:    optional(r.ScopeOfWork),
		EstimatedValue: rawValue(r.EstimatedValue),
		Prequalification: crawler.Prequalification{
			Required: r.RequiresPrequalification,
			Items:    r.PrequalificationDetails,
			Deadline: optional(r.PrequalificationDeadline),
		},
		Eligibility:            optional(r.Eligibility),
		CertificationsRequired: r.Certifications,
		Discretionary: crawler.Discretionary{
			IsDiscretionary: r.IsDiscretionary,
			Reason:          optional(r.DiscretionaryReason),
		},
		SubmissionDeadline: optional(r.SubmissionDeadline),
		KeyRequirements:    r.KeyRequirements,
		TechnologyStack:    r.TechnologyStack,
	}
	if r.Contact != nil && (r.Contact.Name != "" || r.Contact.Email != "" || r.Contact.Phone != "") {
		contact := *r.Contact
		e.Contact = &contact
	}
	return e
}

// Analyze runs deep analysis for candidate over the extracted document text.
// The returned category is always normalized as relevant.
func (s *Stage2) Analyze(ctx context.Context, candidate crawler.Candidate, documentText string) (crawler.Enrichment, error) {
	text, truncated := truncateRunes(documentText, s.charLimit)
	if truncated {
		text += truncationMarker
	}
	temp := s.opts.Temperature
	req := llm.MessageRequest{
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		System:      stage2System(candidate),
		Temperature: &temp,
		Messages:    []llm.Message{{Role: "user", Content: stage2User(text)}},
	}
	policy := s.opts.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("stage2 call failed, retrying",
			zap.String("document_id", candidate.ExternalID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	enrichment, err := retry.DoVal(ctx, policy, func(ctx context.Context) (crawler.Enrichment, error) {
		resp, err := s.client.CreateMessage(ctx, req)
		if err != nil {
			metrics.ObserveLLMCall("stage2", "error", 0, 0)
			return crawler.Enrichment{}, err
		}
		var reply stage2Reply
		if err := decodeReply(resp.Text(), &reply); err != nil {
			metrics.ObserveLLMCall("stage2", "malformed", resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return crawler.Enrichment{}, err
		}
		metrics.ObserveLLMCall("stage2", "success", resp.Usage.InputTokens, resp.Usage.OutputTokens)
		return reply.enrichment(), nil
	})
	if err != nil {
		return crawler.Enrichment{}, fmt.Errorf("analyze document %q: %w", candidate.ExternalID, err)
	}
	s.logger.Info("document analyzed",
		zap.String("document_id", candidate.ExternalID),
		zap.String("category", string(enrichment.Classification.ConfirmedCategory)),
		zap.Float64("confidence", enrichment.Classification.Confidence),
		zap.Bool("truncated", truncated),
	)
	return enrichment, nil
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

// rawValue renders a JSON number or string as text; null yields nil.
func rawValue(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return optional(&s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		v := strconv.FormatFloat(f, 'f', 2, 64)
		return &v
	}
	return nil
}

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
