package promptcfg

import (
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/docdex/internal/storage"
)

type fakeStore struct {
	createFn        func(p storage.PromptConfig) error
	getFn           func(id string) (storage.PromptConfig, error)
	activeDefaultFn func(docType string) (storage.PromptConfig, error)
	listFn          func(docType string) ([]storage.PromptConfig, error)
	activateFn      func(id string) error
}

func (f *fakeStore) CreatePromptConfig(p storage.PromptConfig) error {
	if f.createFn != nil {
		return f.createFn(p)
	}
	return nil
}

func (f *fakeStore) GetPromptConfig(id string) (storage.PromptConfig, error) {
	if f.getFn != nil {
		return f.getFn(id)
	}
	return storage.PromptConfig{}, storage.ErrNotFound
}

func (f *fakeStore) GetActiveDefault(docType string) (storage.PromptConfig, error) {
	if f.activeDefaultFn != nil {
		return f.activeDefaultFn(docType)
	}
	return storage.PromptConfig{}, storage.ErrNotFound
}

func (f *fakeStore) ListPromptConfigs(docType string) ([]storage.PromptConfig, error) {
	if f.listFn != nil {
		return f.listFn(docType)
	}
	return nil, nil
}

func (f *fakeStore) ActivatePromptConfig(id string) error {
	if f.activateFn != nil {
		return f.activateFn(id)
	}
	return nil
}

func TestResolveExplicitID(t *testing.T) {
	store := &fakeStore{
		getFn: func(id string) (storage.PromptConfig, error) {
			if id != "cfg-1" {
				t.Errorf("looked up config %q, want cfg-1", id)
			}
			return storage.PromptConfig{
				ID:            "cfg-1",
				DocType:       "invoice",
				Instructions:  "extract line items",
				ChunkStrategy: "by_row",
			}, nil
		},
	}
	m := NewManager(store)

	// An explicit id wins even when a custom prompt is also supplied.
	got, err := m.Resolve("invoice", "cfg-1", "ignored custom prompt")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Source != SourceExplicit {
		t.Errorf("Source = %q, want %q", got.Source, SourceExplicit)
	}
	if got.ConfigID != "cfg-1" {
		t.Errorf("ConfigID = %q, want cfg-1", got.ConfigID)
	}
	if got.Instructions != "extract line items" {
		t.Errorf("Instructions = %q, want %q", got.Instructions, "extract line items")
	}
	if got.ChunkStrategy != "by_row" {
		t.Errorf("ChunkStrategy = %q, want by_row", got.ChunkStrategy)
	}
}

func TestResolveExplicitIDNotFound(t *testing.T) {
	m := NewManager(&fakeStore{})

	_, err := m.Resolve("invoice", "missing-id", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestResolveCustomPrompt(t *testing.T) {
	m := NewManager(&fakeStore{})

	got, err := m.Resolve("invoice", "", "extract tables only")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Source != SourceCustom {
		t.Errorf("Source = %q, want %q", got.Source, SourceCustom)
	}
	if got.Instructions != "extract tables only" {
		t.Errorf("Instructions = %q, want the custom prompt", got.Instructions)
	}
	if got.ConfigID != "" {
		t.Errorf("ConfigID = %q, want empty for custom prompts", got.ConfigID)
	}
}

func TestResolveActiveDefault(t *testing.T) {
	store := &fakeStore{
		activeDefaultFn: func(docType string) (storage.PromptConfig, error) {
			if docType != "financial_report" {
				t.Errorf("looked up default for %q, want financial_report", docType)
			}
			return storage.PromptConfig{
				ID:            "cfg-7",
				DocType:       docType,
				Instructions:  "configured instructions",
				ChunkStrategy: "by_statement",
			}, nil
		},
	}
	m := NewManager(store)

	got, err := m.Resolve("financial_report", "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Source != SourceDefault {
		t.Errorf("Source = %q, want %q", got.Source, SourceDefault)
	}
	if got.ConfigID != "cfg-7" {
		t.Errorf("ConfigID = %q, want cfg-7", got.ConfigID)
	}
	if got.Instructions != "configured instructions" {
		t.Errorf("Instructions = %q", got.Instructions)
	}
}

func TestResolveBuiltinDefaults(t *testing.T) {
	m := NewManager(&fakeStore{})

	tests := []struct {
		name         string
		docType      string
		wantContains string
	}{
		{name: "known doc type", docType: "financial_report", wantContains: "financial table"},
		{name: "unknown doc type", docType: "cookbook", wantContains: "natural"},
		{name: "empty doc type", docType: "", wantContains: "natural"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Resolve(tt.docType, "", "")
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.Source != SourceBuiltin {
				t.Errorf("Source = %q, want %q", got.Source, SourceBuiltin)
			}
			if !strings.Contains(got.Instructions, tt.wantContains) {
				t.Errorf("Instructions = %q, want substring %q", got.Instructions, tt.wantContains)
			}
			if got.ChunkStrategy == "" {
				t.Error("ChunkStrategy is empty, want a built-in strategy")
			}
			if got.ConfigID != "" {
				t.Errorf("ConfigID = %q, want empty for built-ins", got.ConfigID)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	m := NewManager(&fakeStore{})

	if _, err := m.Create("", "name", "instructions", "", false); err == nil {
		t.Error("Create() with empty doc type succeeded, want error")
	}
	if _, err := m.Create("invoice", "name", "", "", false); err == nil {
		t.Error("Create() with empty instructions succeeded, want error")
	}
}

func TestCreateAndActivate(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	m := NewManager(store)

	v1, err := m.Create("invoice", "", "instructions v1", "by_row", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("first Version = %d, want 1", v1.Version)
	}
	if v1.DisplayName != "invoice" {
		t.Errorf("DisplayName = %q, want doc type fallback", v1.DisplayName)
	}
	if !v1.IsDefault {
		t.Error("first config not default after Create with activate")
	}

	v2, err := m.Create("invoice", "Invoices v2", "instructions v2", "by_row", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("second Version = %d, want 2", v2.Version)
	}

	got, err := m.Resolve("invoice", "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ConfigID != v2.ID {
		t.Errorf("active default = %s, want v2 %s", got.ConfigID, v2.ID)
	}
	if got.Instructions != "instructions v2" {
		t.Errorf("Instructions = %q, want v2 instructions", got.Instructions)
	}

	// Reactivating the old version demotes v2.
	if err := m.Activate(v1.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	got, err = m.Resolve("invoice", "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ConfigID != v1.ID {
		t.Errorf("active default = %s, want v1 %s after reactivation", got.ConfigID, v1.ID)
	}

	configs, err := m.List("invoice")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("List() returned %d configs, want 2", len(configs))
	}
	if configs[0].Version != 2 {
		t.Errorf("List() first version = %d, want newest first", configs[0].Version)
	}
}
