// Package discovery drafts extraction prompt configurations for unfamiliar
// document types: a model reads sample pages and proposes a doc type with
// instructions, which a human approves into a stored prompt config.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/storage"
)

const (
	discoverTimeout = 60 * time.Second
	samplePageCount = 5
	maxSampleChars  = 12000
)

// Proposal is the model's draft configuration for a document type.
type Proposal struct {
	DocType       string `json:"doc_type"`
	DisplayName   string `json:"display_name"`
	Instructions  string `json:"instructions"`
	ChunkStrategy string `json:"chunk_strategy"`
}

// PageSource yields page-scoped text for the sampled document.
type PageSource interface {
	PageCount() int
	RangeText(start, end int) (string, error)
}

// Configs persists approved proposals. *promptcfg.Manager satisfies it.
type Configs interface {
	Create(docType, displayName, instructions, chunkStrategy string, activate bool) (storage.PromptConfig, error)
}

// Service runs the discovery flow: sample, propose, park, approve.
type Service struct {
	llm      provider.LLM
	configs  Configs
	sessions *SessionStore
}

// NewService builds a discovery service.
func NewService(llm provider.LLM, configs Configs, sessions *SessionStore) *Service {
	return &Service{llm: llm, configs: configs, sessions: sessions}
}

// Discover samples the document's opening pages, asks the model for a
// configuration proposal, and parks it in a session. Model failures degrade
// to a zero-value proposal with a warning; the session is created either
// way so the caller can inspect and retry.
func (s *Service) Discover(ctx context.Context, source PageSource, filename string) (Session, error) {
	pageCount := source.PageCount()
	if pageCount <= 0 {
		return Session{}, fmt.Errorf("document %q has no pages", filename)
	}

	sample, err := source.RangeText(1, min(samplePageCount, pageCount))
	if err != nil {
		return Session{}, fmt.Errorf("sampling pages: %w", err)
	}
	if len(sample) > maxSampleChars {
		sample = sample[:maxSampleChars]
	}

	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	var proposal Proposal
	var warnings []string
	res, err := s.llm.Chat(ctx, BuildPrompt(filename, sample), proposalSchema())
	if err != nil {
		slog.Warn("discovery chat failed", "filename", filename, "error", err)
		warnings = append(warnings, fmt.Sprintf("discovery model call failed: %v", err))
	} else if err := json.Unmarshal([]byte(res.Content), &proposal); err != nil {
		slog.Warn("discovery response malformed", "filename", filename, "error", err)
		warnings = append(warnings, "discovery response was not valid JSON")
	}
	proposal.DocType = normalizeDocType(proposal.DocType)

	sess := s.sessions.Put(Session{
		ID:       uuid.New().String(),
		Filename: filename,
		Proposal: proposal,
		Warnings: warnings,
	})
	slog.Info("discovery session created", "session_id", sess.ID,
		"filename", filename, "doc_type", proposal.DocType)
	return sess, nil
}

// Approve persists a parked proposal as a new prompt config version and
// makes it the active default for its doc type. The session is consumed on
// success. Unknown or expired sessions return ErrNotFound.
func (s *Service) Approve(sessionID string) (storage.PromptConfig, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return storage.PromptConfig{}, err
	}

	p := sess.Proposal
	cfg, err := s.configs.Create(p.DocType, p.DisplayName, p.Instructions, p.ChunkStrategy, true)
	if err != nil {
		return storage.PromptConfig{}, fmt.Errorf("approving session %s: %w", sessionID, err)
	}
	s.sessions.Delete(sessionID)
	slog.Info("discovery proposal approved", "session_id", sessionID,
		"config_id", cfg.ID, "doc_type", cfg.DocType, "version", cfg.Version)
	return cfg, nil
}

var docTypeCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

// normalizeDocType coerces a model-suggested type name into the snake_case
// identifier space the rest of the system keys on.
func normalizeDocType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.ReplaceAll(t, " ", "_")
	t = strings.ReplaceAll(t, "-", "_")
	t = docTypeCleaner.ReplaceAllString(t, "")
	return strings.Trim(t, "_")
}
