package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses.
const (
	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
	DocumentPartial    = "partial"
)

// Batch statuses. A batch is terminal once completed or failed.
const (
	BatchPending    = "pending"
	BatchProcessing = "processing"
	BatchRetrying   = "retrying"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// TokenUsage aggregates provider token counts for a document.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + other.Input,
		Output: u.Output + other.Output,
		Total:  u.Total + other.Total,
	}
}

// Document is one ingested PDF. Batch counters are mutated by concurrent
// batch workers through atomic increments; the final status is derived from
// them once every batch has resolved.
type Document struct {
	ID               string
	Filename         string
	DocType          string
	ContentHash      string
	PageCount        int
	Status           string
	TotalBatches     int
	CompletedBatches int
	FailedBatches    int
	TokenUsage       TokenUsage
	PromptConfigID   string
	ProcessingMs     int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Batch is a contiguous page range of a document, processed and retried
// independently of its siblings.
type Batch struct {
	ID         string
	DocumentID string
	Index      int
	PageStart  int
	PageEnd    int
	Status     string
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is an atomic retrievable unit of extracted content. Immutable after
// creation except for the embedding, which re-embedding migrations replace.
type Chunk struct {
	ID             string
	DocumentID     string
	BatchID        string
	ChunkIndex     int
	PageStart      int
	PageEnd        int
	ChunkType      string
	SubType        string
	SearchContent  string
	DisplayContent string
	ContextText    string
	Confidence     float64
	Embedding      []float32
	CreatedAt      time.Time
}

// EnrichedText is the text indexed and embedded for the chunk: the situating
// context (when present) prepended to the search content.
func (c Chunk) EnrichedText() string {
	if c.ContextText == "" {
		return c.SearchContent
	}
	return c.ContextText + "\n\n" + c.SearchContent
}

// PromptConfig holds extraction instructions for a document type. Configs
// are versioned and never mutated in place; at most one per doc type is the
// active default.
type PromptConfig struct {
	ID            string
	DocType       string
	DisplayName   string
	Instructions  string
	ChunkStrategy string
	Version       int
	IsActive      bool
	IsDefault     bool
	CreatedAt     time.Time
}

// Job is a queued background task.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// DeriveDocumentStatus computes the terminal document status from batch
// counters: completed when every batch succeeded, failed when every batch
// failed, partial when both outcomes occurred, processing while batches
// remain unresolved.
func DeriveDocumentStatus(total, completed, failed int) string {
	switch {
	case total == 0:
		return DocumentCompleted
	case failed == 0 && completed == total:
		return DocumentCompleted
	case failed == total:
		return DocumentFailed
	case failed > 0 && completed+failed == total:
		return DocumentPartial
	default:
		return DocumentProcessing
	}
}
