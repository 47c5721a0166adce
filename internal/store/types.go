package store

import (
	"encoding/json"
	"time"
)

// DocumentStatus is the pipeline position of a document.
type DocumentStatus string

const (
	DocNew       DocumentStatus = "new"
	DocFetched   DocumentStatus = "fetched"
	DocExtracted DocumentStatus = "extracted"
	DocProcessed DocumentStatus = "processed"
	DocError     DocumentStatus = "error"
)

// TextStatus is the extraction state of a single file.
type TextStatus string

const (
	TextPending   TextStatus = "pending"
	TextExtracted TextStatus = "extracted"
	TextOCRQueued TextStatus = "ocr_queued"
	TextOCRDone   TextStatus = "ocr_done"
	TextFailed    TextStatus = "failed"
)

// CaseStatus is the decision state of a case.
type CaseStatus string

const (
	CaseProposed CaseStatus = "proposed"
	CaseApproved CaseStatus = "approved"
	CaseUnknown  CaseStatus = "unknown"
)

// Confidence grades how certain the classifier was.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Platform tags for sources.
const (
	PlatformCloudNC          = "cloudnc"
	PlatformDynasty          = "dynasty"
	PlatformTWeb             = "tweb"
	PlatformMunicipalWebsite = "municipal_website"
)

// Source is a monitored municipal endpoint.
type Source struct {
	ID                  int64
	Municipality        string
	Platform            string
	BaseURL             string
	Enabled             bool
	Config              json.RawMessage // opaque per-platform configuration
	LastSuccessAt       *time.Time
	LastAttemptAt       *time.Time
	LastError           string
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Document is one discovered item on an upstream platform.
type Document struct {
	ID          int64
	SourceID    int64
	ExternalID  string
	DocType     string // agenda|minutes|decision|announcement
	Title       string
	Body        string // committee name
	MeetingDate *time.Time
	PublishedAt *time.Time
	SourceURL   string
	Status      DocumentStatus
	ContentHash string
	RetryCount  int
	LastFailure string

	// Triage result; nil score means triage has not run.
	TriageScore      *float64
	TriageCategories []string
	TriageReason     string

	DiscoveredAt time.Time
	UpdatedAt    time.Time
}

// File is a binary artifact attached to a document.
type File struct {
	ID          int64
	DocumentID  int64
	URL         string
	MIME        string
	Bytes       int64
	StoragePath string
	TextStatus  TextStatus
	TextContent string
	FetchedAt   *time.Time
	CreatedAt   time.Time
}

// Case is an aggregated environmental matter.
type Case struct {
	ID               int64
	PrimaryCategory  string // zoning|permits_extraction|water_wetlands|industry_infrastructure
	Headline         string
	Summary          string
	Status           CaseStatus
	Confidence       Confidence
	ConfidenceReason string
	Municipalities   []string
	Entities         []string
	Locations        []string
	FirstSeenAt      time.Time
	UpdatedAt        time.Time
}

// CaseEvent is an append-only timeline entry for a case.
type CaseEvent struct {
	ID        int64
	CaseID    int64
	EventType string // approved|published_notice|complaint_window|next_handling|evidence_added
	EventTime *time.Time
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Evidence is a snippet citing source material for a case.
type Evidence struct {
	ID         int64
	CaseID     int64
	FileID     *int64
	DocumentID int64
	Page       int
	Snippet    string
	SourceURL  string
	CreatedAt  time.Time
}

// LLMUsage is one recorded model call, used for budget enforcement.
type LLMUsage struct {
	ID               int64
	DocumentID       int64
	Model            string
	Stage            string // triage|case_build
	PromptTokens     int
	CompletionTokens int
	EstimatedCostEUR float64
	CreatedAt        time.Time
}

// Stage identifies a claiming pipeline stage.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageExtract   Stage = "extract"
	StageTriage    Stage = "triage"
	StageCaseBuild Stage = "case_build"
)
