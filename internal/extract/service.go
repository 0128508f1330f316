// Package extract turns downloaded solicitation documents into plain text.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

const (
	// DefaultPageLimit is the number of leading pages sent for extraction.
	DefaultPageLimit = 4

	defaultServiceModel   = "mistral-ocr-latest"
	defaultServiceTimeout = 120 * time.Second
)

// Service extracts text through a remote OCR endpoint that accepts the
// document inline as a base64 data URL.
type Service struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	policy   retry.Policy
}

// NewService creates an OCR-backed extractor. A nil client gets a default
// with a two minute timeout.
func NewService(endpoint, apiKey, model string, client *http.Client, policy retry.Policy) *Service {
	if model == "" {
		model = defaultServiceModel
	}
	if client == nil {
		client = &http.Client{Timeout: defaultServiceTimeout}
	}
	if policy.Retryable == nil {
		policy.Retryable = transientServiceError
	}
	return &Service{endpoint: endpoint, apiKey: apiKey, model: model, client: client, policy: policy}
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
	Pages    []int       `json:"pages,omitempty"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrResponse struct {
	Pages []ocrPage `json:"pages"`
}

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type serviceStatusError struct {
	status int
	body   string
}

func (e *serviceStatusError) Error() string {
	return fmt.Sprintf("ocr service returned %d: %s", e.status, e.body)
}

func transientServiceError(err error) bool {
	var statusErr *serviceStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= 500
	}
	return true
}

// ExtractText sends the first pageLimit pages of data to the service and joins
// the returned pages with page markers.
func (s *Service) ExtractText(ctx context.Context, data []byte, pageLimit int) (string, error) {
	if len(data) == 0 {
		return "", crawler.ErrEmptyDocument
	}
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	pages := make([]int, pageLimit)
	for i := range pages {
		pages[i] = i
	}
	body, err := json.Marshal(ocrRequest{
		Model: s.model,
		Document: ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:" + Sniff(data).MIMEType() + ";base64," + base64.StdEncoding.EncodeToString(data),
		},
		Pages: pages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal ocr request: %w", err)
	}

	resp, err := retry.DoVal(ctx, s.policy, func(ctx context.Context) (ocrResponse, error) {
		return s.call(ctx, body)
	})
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(resp.Pages))
	for _, p := range resp.Pages {
		if p.Index >= pageLimit {
			continue
		}
		texts = append(texts, p.Markdown)
	}
	text := joinPages(texts)
	if strings.TrimSpace(text) == "" {
		return "", crawler.ErrEmptyDocument
	}
	return text, nil
}

func (s *Service) call(ctx context.Context, body []byte) (ocrResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return ocrResponse{}, retry.Permanent(fmt.Errorf("create ocr request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return ocrResponse{}, fmt.Errorf("ocr request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ocrResponse{}, fmt.Errorf("read ocr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ocrResponse{}, &serviceStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	var out ocrResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return ocrResponse{}, retry.Permanent(fmt.Errorf("unmarshal ocr response: %w", err))
	}
	return out, nil
}

// joinPages appends a "--- Page N ---" marker after each page's text.
func joinPages(pages []string) string {
	parts := make([]string, 0, len(pages)*2)
	for i, p := range pages {
		parts = append(parts, strings.TrimRight(p, "\n"), fmt.Sprintf("\n--- Page %d ---\n", i+1))
	}
	return strings.Join(parts, "\n")
}
