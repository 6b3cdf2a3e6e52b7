// Package retrieval finds chunks for a query: brute-force cosine search
// over embedded chunks, FTS5 keyword search, and the engine that fuses,
// filters, and optionally reranks the two.
package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/docdex/internal/storage"
)

// ChunkStore runs chunk-level queries against the SQLite database. Vector
// search is brute-force cosine over all stored embeddings; at the scale a
// single-node document index reaches (tens of thousands of chunks) a full
// scan of id+embedding stays in the low milliseconds. Revisit with an ANN
// index if collections grow past ~100K chunks.
type ChunkStore struct {
	db *sql.DB
}

// NewChunkStore wraps an existing *sql.DB for chunk queries. The chunks and
// chunks_fts tables must already exist (created via migrations).
func NewChunkStore(db *sql.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// Filters restrict which chunks a search considers. Zero values mean no
// restriction.
type Filters struct {
	DocumentIDs   []string
	Types         []string
	ExcludeTypes  []string
	ChunkIDs      []string
	MinConfidence float64
}

// conditions renders the filter as SQL predicates on alias c.
func (f Filters) conditions() ([]string, []any) {
	var conds []string
	var args []any

	addIn := func(column string, values []string, negate bool) {
		if len(values) == 0 {
			return
		}
		op := "IN"
		if negate {
			op = "NOT IN"
		}
		conds = append(conds, fmt.Sprintf("c.%s %s (?%s)", column, op, strings.Repeat(",?", len(values)-1)))
		for _, v := range values {
			args = append(args, v)
		}
	}

	addIn("document_id", f.DocumentIDs, false)
	addIn("chunk_type", f.Types, false)
	addIn("chunk_type", f.ExcludeTypes, true)
	addIn("id", f.ChunkIDs, false)
	if f.MinConfidence > 0 {
		conds = append(conds, "c.confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	return conds, args
}

// ScoredChunk pairs a chunk with a search score.
type ScoredChunk struct {
	Chunk storage.Chunk
	Score float64
}

// idScore holds only the ID and score during the scan phase of
// SemanticSearch. Full rows are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float64
}

// SemanticSearch performs brute-force cosine similarity search over all
// embedded chunks matching the filters, returning the top-K most similar,
// highest score first.
func (s *ChunkStore) SemanticSearch(ctx context.Context, vector []float32, topK int, f Filters) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	conds, args := f.conditions()
	conds = append([]string{"c.embedding IS NOT NULL"}, conds...)
	query := `SELECT c.id, c.embedding FROM chunks c WHERE ` + strings.Join(conds, " AND ")

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float64, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	chunks, err := s.GetByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, ScoredChunk{Chunk: c, Score: scores[c.ID]})
	}

	// The IN query loses ranking order; restore it.
	sortByScore(results)
	return results, nil
}

// KeywordSearch runs an FTS5 match over chunk content and context,
// returning the top-K hits with bm25 ranks normalized into [0,1).
func (s *ChunkStore) KeywordSearch(ctx context.Context, query string, topK int, f Filters) ([]ScoredChunk, error) {
	match := buildMatchQuery(query)
	if match == "" || topK <= 0 {
		return nil, nil
	}

	conds, condArgs := f.conditions()
	sqlQuery := `SELECT ` + chunkColumns + `, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?`
	args := append([]any{match}, condArgs...)
	if len(conds) > 0 {
		sqlQuery += " AND " + strings.Join(conds, " AND ")
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		chunk, rank, err := scanChunkWithRank(rows)
		if err != nil {
			return nil, err
		}
		// bm25 ranks are negative, more negative = better. Normalize the
		// magnitude into [0,1) so keyword scores fuse with cosine scores.
		m := math.Abs(rank)
		results = append(results, ScoredChunk{Chunk: chunk, Score: m / (1 + m)})
	}
	return results, rows.Err()
}

// buildMatchQuery turns free text into an FTS5 query: each token quoted
// (protecting the bare hyphens, dots, and stray operators users type) and
// OR-joined so partial matches still rank.
func buildMatchQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, tok := range fields {
		tok = strings.ReplaceAll(tok, `"`, "")
		if tok == "" {
			continue
		}
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}

const chunkColumns = `c.id, c.document_id, c.batch_id, c.chunk_index, c.page_start, c.page_end, c.chunk_type, c.sub_type, c.search_content, c.display_content, c.context_text, c.confidence, c.embedding, c.created_at`

// GetByIDs returns the chunks with the given IDs, in no particular order.
func (s *ChunkStore) GetByIDs(ctx context.Context, ids []string) ([]storage.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by id: %w", err)
	}
	defer rows.Close()

	var chunks []storage.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListByDocument returns a document's chunks in reading order.
func (s *ChunkStore) ListByDocument(ctx context.Context, documentID string, limit, offset int) ([]storage.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.document_id = ?
		ORDER BY c.page_start, c.chunk_index LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []storage.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListChunkPage returns up to limit chunks with IDs greater than afterID,
// ordered by ID. Keyset pagination keeps re-embedding passes stable while
// chunks are written concurrently.
func (s *ChunkStore) ListChunkPage(ctx context.Context, afterID string, limit int) ([]storage.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.id > ? ORDER BY c.id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing chunk page: %w", err)
	}
	defer rows.Close()

	var chunks []storage.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UpdateEmbeddings replaces the embeddings for the given chunk IDs in one
// transaction. ids and vectors are index-aligned.
func (s *ChunkStore) UpdateEmbeddings(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}

	stmt, err := tx.Prepare(`UPDATE chunks SET embedding = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing embedding update: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if _, err := stmt.Exec(storage.EncodeVector(vectors[i]), id); err != nil {
			tx.Rollback()
			return fmt.Errorf("updating embedding for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Count returns the total number of stored chunks.
func (s *ChunkStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

func scanChunk(rows *sql.Rows) (storage.Chunk, error) {
	var c storage.Chunk
	var blob []byte
	var createdAt string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.BatchID, &c.ChunkIndex, &c.PageStart, &c.PageEnd,
		&c.ChunkType, &c.SubType, &c.SearchContent, &c.DisplayContent, &c.ContextText,
		&c.Confidence, &blob, &createdAt); err != nil {
		return storage.Chunk{}, fmt.Errorf("scanning chunk: %w", err)
	}
	return finishChunk(c, blob, createdAt)
}

func scanChunkWithRank(rows *sql.Rows) (storage.Chunk, float64, error) {
	var c storage.Chunk
	var blob []byte
	var createdAt string
	var rank float64
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.BatchID, &c.ChunkIndex, &c.PageStart, &c.PageEnd,
		&c.ChunkType, &c.SubType, &c.SearchContent, &c.DisplayContent, &c.ContextText,
		&c.Confidence, &blob, &createdAt, &rank); err != nil {
		return storage.Chunk{}, 0, fmt.Errorf("scanning chunk: %w", err)
	}
	c, err := finishChunk(c, blob, createdAt)
	return c, rank, err
}

func finishChunk(c storage.Chunk, blob []byte, createdAt string) (storage.Chunk, error) {
	if len(blob) > 0 {
		embedding, err := storage.DecodeVector(blob)
		if err != nil {
			return storage.Chunk{}, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = embedding
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return storage.Chunk{}, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}

// sortByScore sorts results by score descending. Insertion sort: the slices
// here are top-K sized.
func sortByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2
// norm of a. Mismatched dimensions score zero instead of erroring so one
// stale vector cannot fail a search mid-migration.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// idScoreHeap is a min-heap of idScore ordered by Score. Used during the
// scan phase of SemanticSearch to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
