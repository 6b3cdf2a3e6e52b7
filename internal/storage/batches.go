package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateBatches inserts all batch rows for a document in one transaction.
func (s *Store) CreateBatches(batches []Batch) error {
	if len(batches) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning batch insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO batches (id, document_id, batch_index, page_start, page_end, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing batch insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, b := range batches {
		status := b.Status
		if status == "" {
			status = BatchPending
		}
		if _, err := stmt.Exec(b.ID, b.DocumentID, b.Index, b.PageStart, b.PageEnd, status, now, now); err != nil {
			return fmt.Errorf("inserting batch %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

func scanBatch(row interface{ Scan(...any) error }) (Batch, error) {
	var b Batch
	var createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.DocumentID, &b.Index, &b.PageStart, &b.PageEnd,
		&b.Status, &b.RetryCount, &b.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Batch{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Batch{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return b, nil
}

// GetBatch returns the batch with the given id, or ErrNotFound.
func (s *Store) GetBatch(id string) (Batch, error) {
	row := s.db.QueryRow(`
		SELECT id, document_id, batch_index, page_start, page_end, status, retry_count, last_error, created_at, updated_at
		FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

// ListBatches returns a document's batches ordered by batch index.
func (s *Store) ListBatches(documentID string) ([]Batch, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, batch_index, page_start, page_end, status, retry_count, last_error, created_at, updated_at
		FROM batches WHERE document_id = ? ORDER BY batch_index ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// MarkBatchProcessing moves a batch into the processing state.
func (s *Store) MarkBatchProcessing(id string) error {
	return s.setBatchStatus(id, BatchProcessing)
}

// MarkBatchRetrying records a retry attempt and the error that caused it.
func (s *Store) MarkBatchRetrying(id string, retryCount int, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE batches SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		BatchRetrying, retryCount, truncateError(lastError), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailBatch marks a batch terminally failed and increments the parent
// document's failed counter in the same transaction.
func (s *Store) FailBatch(id, documentID, lastError string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`UPDATE batches SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		BatchFailed, truncateError(lastError), now, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE documents SET failed_batches = failed_batches + 1, updated_at = ? WHERE id = ?`,
		now, documentID); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteBatchWithChunks persists a batch's chunks, marks the batch
// completed, and increments the parent document's completed counter, all in
// one transaction. A failure between chunk insert and counter update cannot
// leave the chunks visible.
func (s *Store) CompleteBatchWithChunks(id, documentID string, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	if len(chunks) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO chunks (id, document_id, batch_id, chunk_index, page_start, page_end,
				chunk_type, sub_type, search_content, display_content, context_text, confidence, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			var blob []byte
			if len(c.Embedding) > 0 {
				blob = EncodeVector(c.Embedding)
			}
			if _, err := stmt.Exec(c.ID, c.DocumentID, c.BatchID, c.ChunkIndex, c.PageStart, c.PageEnd,
				c.ChunkType, c.SubType, c.SearchContent, c.DisplayContent, c.ContextText, c.Confidence,
				blob, createdAt.Format(time.RFC3339)); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
			}
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`, BatchCompleted, now, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE documents SET completed_batches = completed_batches + 1, updated_at = ? WHERE id = ?`,
		now, documentID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) setBatchStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// truncateError bounds stored error text; provider errors can embed whole
// response bodies.
func truncateError(msg string) string {
	const maxLen = 2000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
