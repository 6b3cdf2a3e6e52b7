// Package promptcfg manages extraction prompt configurations: versioned
// per-doc-type instruction sets with at most one active default, resolved
// against built-in fallbacks at ingest time.
package promptcfg

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/docdex/internal/storage"
)

// DefaultDocType is used when a caller does not name a document type.
const DefaultDocType = "general"

// Resolution sources, most to least specific.
const (
	SourceExplicit = "explicit"
	SourceCustom   = "custom"
	SourceDefault  = "default"
	SourceBuiltin  = "built-in"
)

// Store is the persistence surface the manager needs. *storage.Store
// satisfies it.
type Store interface {
	CreatePromptConfig(p storage.PromptConfig) error
	GetPromptConfig(id string) (storage.PromptConfig, error)
	GetActiveDefault(docType string) (storage.PromptConfig, error)
	ListPromptConfigs(docType string) ([]storage.PromptConfig, error)
	ActivatePromptConfig(id string) error
}

// Resolved is the prompt configuration an ingest runs with. ConfigID is
// empty when the instructions did not come from a stored config.
type Resolved struct {
	ConfigID      string
	Instructions  string
	ChunkStrategy string
	Source        string
}

// Manager resolves and manages prompt configurations.
type Manager struct {
	store Store
}

// NewManager builds a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Resolve picks the prompt configuration for one ingest. Precedence:
// explicit config id, then custom prompt text, then the active default for
// the doc type, then the built-in default. An explicit id that does not
// exist is an error (storage.ErrNotFound preserved); everything below it
// falls through silently.
func (m *Manager) Resolve(docType, promptConfigID, customPrompt string) (Resolved, error) {
	if docType == "" {
		docType = DefaultDocType
	}

	if promptConfigID != "" {
		cfg, err := m.store.GetPromptConfig(promptConfigID)
		if err != nil {
			return Resolved{}, fmt.Errorf("loading prompt config %s: %w", promptConfigID, err)
		}
		return Resolved{
			ConfigID:      cfg.ID,
			Instructions:  cfg.Instructions,
			ChunkStrategy: cfg.ChunkStrategy,
			Source:        SourceExplicit,
		}, nil
	}

	if customPrompt != "" {
		return Resolved{Instructions: customPrompt, Source: SourceCustom}, nil
	}

	cfg, err := m.store.GetActiveDefault(docType)
	if err == nil {
		return Resolved{
			ConfigID:      cfg.ID,
			Instructions:  cfg.Instructions,
			ChunkStrategy: cfg.ChunkStrategy,
			Source:        SourceDefault,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolved{}, fmt.Errorf("loading active default for %q: %w", docType, err)
	}

	builtin, ok := builtinDefaults[docType]
	if !ok {
		builtin = genericDefault
	}
	return Resolved{
		Instructions:  builtin.instructions,
		ChunkStrategy: builtin.chunkStrategy,
		Source:        SourceBuiltin,
	}, nil
}

// Create stores a new prompt config version for a doc type. When activate is
// set it becomes the active default, demoting the previous one. The returned
// config carries the version the store assigned.
func (m *Manager) Create(docType, displayName, instructions, chunkStrategy string, activate bool) (storage.PromptConfig, error) {
	if docType == "" {
		return storage.PromptConfig{}, fmt.Errorf("doc type is required")
	}
	if instructions == "" {
		return storage.PromptConfig{}, fmt.Errorf("instructions are required")
	}
	if displayName == "" {
		displayName = docType
	}

	cfg := storage.PromptConfig{
		ID:            uuid.New().String(),
		DocType:       docType,
		DisplayName:   displayName,
		Instructions:  instructions,
		ChunkStrategy: chunkStrategy,
		IsActive:      true,
		IsDefault:     activate,
	}
	if err := m.store.CreatePromptConfig(cfg); err != nil {
		return storage.PromptConfig{}, fmt.Errorf("creating prompt config: %w", err)
	}
	// Re-read for the store-assigned version.
	return m.store.GetPromptConfig(cfg.ID)
}

// List returns stored configs, all of them when docType is empty.
func (m *Manager) List(docType string) ([]storage.PromptConfig, error) {
	return m.store.ListPromptConfigs(docType)
}

// Activate makes the given config the active default for its doc type.
func (m *Manager) Activate(id string) error {
	return m.store.ActivatePromptConfig(id)
}

type builtinPrompt struct {
	instructions  string
	chunkStrategy string
}

// builtinDefaults are the extraction instructions shipped for doc types no
// one has configured yet. Deliberately conservative: structure hints only,
// nothing domain-specific enough to distort extraction.
var builtinDefaults = map[string]builtinPrompt{
	"financial_report": {
		instructions: "Keep every financial table intact as one chunk with its title. " +
			"Tag statement sections (income statement, balance sheet, cash flow) as headings with sub_type section_header. " +
			"Extract footnotes as separate text chunks tied to the page they appear on.",
		chunkStrategy: "by_section",
	},
	"legal_contract": {
		instructions: "Chunk by numbered clause, keeping each clause complete with its number and title. " +
			"Keep defined terms sections as single chunks. Tag signature blocks and exhibits with sub_type.",
		chunkStrategy: "by_clause",
	},
	"technical_manual": {
		instructions: "Chunk by procedure or subsection. Keep step lists together as list chunks. " +
			"Emit code samples and command listings as code chunks, wording preserved exactly.",
		chunkStrategy: "by_section",
	},
	"research_paper": {
		instructions: "Chunk by section (abstract, introduction, methods, results, discussion). " +
			"Keep each table and figure with its caption as its own chunk. Skip the reference list.",
		chunkStrategy: "by_section",
	},
}

var genericDefault = builtinPrompt{
	instructions: "Split the pages into self-contained chunks along the document's natural " +
		"structure: sections, tables, lists, figures. Keep related content together.",
	chunkStrategy: "by_section",
}
