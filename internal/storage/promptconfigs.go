package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const promptConfigColumns = `id, doc_type, display_name, instructions, chunk_strategy, version, is_active, is_default, created_at`

func scanPromptConfig(row interface{ Scan(...any) error }) (PromptConfig, error) {
	var p PromptConfig
	var createdAt string
	err := row.Scan(&p.ID, &p.DocType, &p.DisplayName, &p.Instructions, &p.ChunkStrategy,
		&p.Version, &p.IsActive, &p.IsDefault, &createdAt)
	if err == sql.ErrNoRows {
		return PromptConfig{}, ErrNotFound
	}
	if err != nil {
		return PromptConfig{}, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return PromptConfig{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

// CreatePromptConfig inserts a new config version. When the config is
// flagged as the default for its doc type, the previous default loses the
// flag in the same transaction so at most one active default exists.
func (s *Store) CreatePromptConfig(p PromptConfig) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning config transaction: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.Exec(`UPDATE prompt_configs SET is_default = 0 WHERE doc_type = ? AND is_default = 1`,
			p.DocType); err != nil {
			return fmt.Errorf("clearing previous default: %w", err)
		}
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	version := p.Version
	if version == 0 {
		if err := tx.QueryRow(`SELECT IFNULL(MAX(version), 0) + 1 FROM prompt_configs WHERE doc_type = ?`,
			p.DocType).Scan(&version); err != nil {
			return fmt.Errorf("computing next version: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO prompt_configs (id, doc_type, display_name, instructions, chunk_strategy, version, is_active, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DocType, p.DisplayName, p.Instructions, p.ChunkStrategy,
		version, p.IsActive, p.IsDefault, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetPromptConfig returns the config with the given id, or ErrNotFound.
func (s *Store) GetPromptConfig(id string) (PromptConfig, error) {
	row := s.db.QueryRow(`SELECT `+promptConfigColumns+` FROM prompt_configs WHERE id = ?`, id)
	return scanPromptConfig(row)
}

// GetActiveDefault returns the active default config for a doc type, or
// ErrNotFound when none is configured.
func (s *Store) GetActiveDefault(docType string) (PromptConfig, error) {
	row := s.db.QueryRow(`
		SELECT `+promptConfigColumns+` FROM prompt_configs
		WHERE doc_type = ? AND is_active = 1 AND is_default = 1
		ORDER BY version DESC LIMIT 1`, docType)
	return scanPromptConfig(row)
}

// ListPromptConfigs returns configs for a doc type, or all configs when
// docType is empty, newest version first.
func (s *Store) ListPromptConfigs(docType string) ([]PromptConfig, error) {
	var rows *sql.Rows
	var err error
	if docType == "" {
		rows, err = s.db.Query(`SELECT ` + promptConfigColumns + ` FROM prompt_configs ORDER BY doc_type ASC, version DESC`)
	} else {
		rows, err = s.db.Query(`SELECT `+promptConfigColumns+` FROM prompt_configs WHERE doc_type = ? ORDER BY version DESC`, docType)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PromptConfig
	for rows.Next() {
		p, err := scanPromptConfig(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// ActivatePromptConfig makes the given config the active default for its doc
// type, clearing the flag from the previous default transactionally.
func (s *Store) ActivatePromptConfig(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning activate transaction: %w", err)
	}
	defer tx.Rollback()

	var docType string
	err = tx.QueryRow(`SELECT doc_type FROM prompt_configs WHERE id = ?`, id).Scan(&docType)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE prompt_configs SET is_default = 0 WHERE doc_type = ? AND is_default = 1`, docType); err != nil {
		return fmt.Errorf("clearing previous default: %w", err)
	}
	if _, err := tx.Exec(`UPDATE prompt_configs SET is_active = 1, is_default = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("activating config: %w", err)
	}
	return tx.Commit()
}
