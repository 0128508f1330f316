package crawler

import (
	"time"
)

// Category is the closed vocabulary used to label opportunities.
type Category string

// Supported categories. Anything the model returns is normalized into this set.
const (
	CategoryDynamics          Category = "dynamics"
	CategoryAI                Category = "ai"
	CategoryIoT               Category = "iot"
	CategoryERP               Category = "erp"
	CategoryStaffAugmentation Category = "staff_augmentation"
	CategoryCloud             Category = "cloud"
	CategoryCybersecurity     Category = "cybersecurity"
	CategoryDataAnalytics     Category = "data_analytics"
	CategoryOther             Category = "other"
	CategoryNotRelevant       Category = "not_relevant"
)

// Categories lists every valid category in prompt order.
var Categories = []Category{
	CategoryDynamics,
	CategoryAI,
	CategoryIoT,
	CategoryERP,
	CategoryStaffAugmentation,
	CategoryCloud,
	CategoryCybersecurity,
	CategoryDataAnalytics,
	CategoryOther,
	CategoryNotRelevant,
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// FetchOutcome is the transient result of fetching one listing page.
type FetchOutcome struct {
	URL          string        `json:"url"`
	Success      bool          `json:"success"`
	HTML         string        `json:"-"`
	ErrorKind    ErrorKind     `json:"error_kind"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}

// Candidate is a Stage1 classification of one listing row. It is not
// modified after Stage1 returns it.
type Candidate struct {
	ExternalID  string   `json:"document_id"`
	Title       string   `json:"event_name"`
	DocumentURL string   `json:"document_url,omitempty"`
	PostedDate  string   `json:"event_start_date,omitempty"`
	DueDate     string   `json:"response_due_date,omitempty"`
	LastUpdated string   `json:"last_updated,omitempty"`
	IsRelevant  bool     `json:"is_relevant"`
	Category    Category `json:"predicted_category"`
	Confidence  float64  `json:"classification_confidence"`
	Reason      string   `json:"classification_reason"`
}

// Classification is the confirmed label produced by document analysis.
type Classification struct {
	ConfirmedCategory Category `json:"confirmed_category"`
	Confidence        float64  `json:"category_confidence"`
	Summary           string   `json:"summary"`
}

// PrequalificationItem is a single prerequisite a bidder must satisfy.
type PrequalificationItem struct {
	Requirement string `json:"requirement"`
	Mandatory   bool   `json:"mandatory"`
}

// Prequalification groups bidder prerequisites.
type Prequalification struct {
	Required bool                   `json:"requires_prequalification"`
	Items    []PrequalificationItem `json:"prequalification_details,omitempty"`
	Deadline *string                `json:"prequalification_deadline,omitempty"`
}

// Discretionary describes whether the buyer may award without open competition.
type Discretionary struct {
	IsDiscretionary bool    `json:"is_discretionary"`
	Reason          *string `json:"discretionary_reason,omitempty"`
}

// Contact is the procurement contact extracted from a document.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Enrichment is the Stage2 deep-analysis result for a single candidate.
// Pointer fields are absent when the document did not state them.
type Enrichment struct {
	Classification         Classification   `json:"classification"`
	ScopeOfWork            *string          `json:"scope_of_work,omitempty"`
	EstimatedValue         *string          `json:"estimated_value,omitempty"`
	Prequalification       Prequalification `json:"prequalification"`
	Eligibility            *string          `json:"eligibility_requirements,omitempty"`
	CertificationsRequired []string         `json:"certifications_required,omitempty"`
	Discretionary          Discretionary    `json:"discretionary"`
	Contact                *Contact         `json:"contact_info,omitempty"`
	SubmissionDeadline     *string          `json:"submission_deadline,omitempty"`
	KeyRequirements        []string         `json:"key_requirements,omitempty"`
	TechnologyStack        []string         `json:"technology_stack,omitempty"`
	DocumentSHA256         string           `json:"document_sha256,omitempty"`
}

// Opportunity is a Stage1 candidate optionally merged with its Stage2 enrichment.
type Opportunity struct {
	Candidate
	Enrichment *Enrichment `json:"enrichment,omitempty"`
}

// Enriched reports whether document analysis succeeded for the opportunity.
func (o Opportunity) Enriched() bool {
	return o.Enrichment != nil
}

// Merge combines a candidate with its enrichment. The confirmed category and
// confidence replace the Stage1 values and the summary becomes the reason.
// A nil enrichment returns the candidate unchanged.
func Merge(c Candidate, e *Enrichment) Opportunity {
	if e == nil {
		return Opportunity{Candidate: c}
	}
	merged := c
	if e.Classification.ConfirmedCategory != "" {
		merged.Category = e.Classification.ConfirmedCategory
	}
	merged.Confidence = ClampConfidence(e.Classification.Confidence)
	if e.Classification.Summary != "" {
		merged.Reason = e.Classification.Summary
	}
	enrichment := *e
	return Opportunity{Candidate: merged, Enrichment: &enrichment}
}

// ClampConfidence pins a model confidence into [0, 1].
func ClampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// SaveResult tallies the outcome of persisting one batch.
type SaveResult struct {
	Saved      int `json:"saved"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// SessionStatus represents the lifecycle state of a scan session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionPartial   SessionStatus = "partial"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionPartial, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// SessionMetrics accumulates per-run counters.
type SessionMetrics struct {
	URLsProcessed int `json:"urls_processed"`
	TotalFound    int `json:"total_opportunities_found"`
	Relevant      int `json:"relevant_opportunities"`
	NotRelevant   int `json:"not_relevant"`
	Saved         int `json:"saved_to_database"`
	Duplicates    int `json:"duplicates"`
	Errors        int `json:"errors"`
}

// Session is the persisted record for one scan run.
type Session struct {
	ID          string         `json:"id"`
	Status      SessionStatus  `json:"status"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Request     ScanRequest    `json:"request"`
	Submitted   time.Time      `json:"submitted_at"`
	Started     *time.Time     `json:"started_at,omitempty"`
	Finished    *time.Time     `json:"finished_at,omitempty"`
	Metrics     SessionMetrics `json:"metrics"`
	Errors      []string       `json:"errors,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Result      *ScanResult    `json:"result,omitempty"`
}

// ScanRequest is the trigger payload for a scan run.
type ScanRequest struct {
	URLs         []string `json:"urls"`
	Categories   []string `json:"categories,omitempty"`
	StateCode    string   `json:"state_code,omitempty"`
	EnableStage2 bool     `json:"enable_stage2"`
	TriggeredBy  string   `json:"triggered_by,omitempty"`
}

// URLResult is the per-URL outcome of a scan run.
type URLResult struct {
	URL           string        `json:"url"`
	Success       bool          `json:"success"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	TotalFound    int           `json:"total_found"`
	Relevant      int           `json:"relevant_count"`
	Saved         int           `json:"saved_count"`
	Duplicates    int           `json:"duplicate_count"`
	Opportunities []Opportunity `json:"opportunities"`
	Duration      time.Duration `json:"duration"`
}

// ScanResult is the aggregate response for a scan run.
type ScanResult struct {
	Success       bool           `json:"success"`
	SessionID     string         `json:"session_id"`
	Status        SessionStatus  `json:"status"`
	Results       []URLResult    `json:"results"`
	TotalFound    int            `json:"total_found"`
	TotalRelevant int            `json:"total_relevant"`
	SavedCount    int            `json:"saved_count"`
	Metrics       SessionMetrics `json:"metrics"`
	Error         string         `json:"error,omitempty"`
	ProcessingMs  int64          `json:"processing_ms"`
}

// QueueItem wraps a scan ready to run asynchronously.
type QueueItem struct {
	SessionID string
	Request   ScanRequest
	Submitted int64
}
