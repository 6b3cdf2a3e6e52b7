package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const documentColumns = `id, filename, doc_type, content_hash, page_count, status,
	total_batches, completed_batches, failed_batches,
	input_tokens, output_tokens, total_tokens,
	prompt_config_id, processing_ms, created_at, updated_at`

// CreateDocument inserts a new document row. Zero timestamps default to now.
func (s *Store) CreateDocument(d Document) error {
	now := time.Now().UTC()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := d.Status
	if status == "" {
		status = DocumentPending
	}
	var promptConfigID sql.NullString
	if d.PromptConfigID != "" {
		promptConfigID = sql.NullString{String: d.PromptConfigID, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, filename, doc_type, content_hash, page_count, status,
			total_batches, completed_batches, failed_batches,
			input_tokens, output_tokens, total_tokens,
			prompt_config_id, processing_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Filename, d.DocType, d.ContentHash, d.PageCount, status,
		d.TotalBatches, d.CompletedBatches, d.FailedBatches,
		d.TokenUsage.Input, d.TokenUsage.Output, d.TokenUsage.Total,
		promptConfigID, d.ProcessingMs,
		createdAt.Format(time.RFC3339), createdAt.Format(time.RFC3339),
	)
	return err
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var promptConfigID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&d.ID, &d.Filename, &d.DocType, &d.ContentHash, &d.PageCount, &d.Status,
		&d.TotalBatches, &d.CompletedBatches, &d.FailedBatches,
		&d.TokenUsage.Input, &d.TokenUsage.Output, &d.TokenUsage.Total,
		&promptConfigID, &d.ProcessingMs, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	d.PromptConfigID = promptConfigID.String
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// GetDocument returns the document with the given id, or ErrNotFound.
func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// FindDocumentByIdentity looks up the most recent document matching the
// ingest identity (content hash, doc type, prompt config). Used by the
// skip-existing check; an empty promptConfigID matches documents ingested
// without one.
func (s *Store) FindDocumentByIdentity(contentHash, docType, promptConfigID string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT `+documentColumns+` FROM documents
		WHERE content_hash = ? AND doc_type = ? AND IFNULL(prompt_config_id, '') = ?
		ORDER BY created_at DESC LIMIT 1`,
		contentHash, docType, promptConfigID,
	)
	return scanDocument(row)
}

// ListDocuments returns documents newest first.
func (s *Store) ListDocuments(limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+documentColumns+` FROM documents
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// DeleteDocument removes a document with its batches and chunks. The chunk
// deletes run as explicit statements so the FTS sync triggers fire.
func (s *Store) DeleteDocument(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM batches WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting batches: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SetDocumentStatus updates the document status.
func (s *Store) SetDocumentStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTokenUsage atomically adds provider token counts to the document.
// Concurrent batch workers call this without coordination.
func (s *Store) AddTokenUsage(id string, u TokenUsage) error {
	_, err := s.db.Exec(`
		UPDATE documents SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			total_tokens = total_tokens + ?,
			updated_at = ?
		WHERE id = ?`,
		u.Input, u.Output, u.Total, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// FinalizeDocument derives the terminal status from the batch counters and
// records the total processing duration. Returns the derived status.
func (s *Store) FinalizeDocument(id string, processingMs int64) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer tx.Rollback()

	var total, completed, failed int
	err = tx.QueryRow(`SELECT total_batches, completed_batches, failed_batches FROM documents WHERE id = ?`, id).
		Scan(&total, &completed, &failed)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	status := DeriveDocumentStatus(total, completed, failed)
	_, err = tx.Exec(`UPDATE documents SET status = ?, processing_ms = ?, updated_at = ? WHERE id = ?`,
		status, processingMs, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return "", err
	}
	return status, tx.Commit()
}

// CountDocumentChunks returns the number of chunks stored for a document.
func (s *Store) CountDocumentChunks(id string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, id).Scan(&count)
	return count, err
}

// CountDocuments returns the total number of documents.
func (s *Store) CountDocuments() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}
