// Package store persists the reader library (documents, sections, paragraphs)
// and the embedding vectors computed over it, backed by a single sqlite file.
// It is the authority for index coverage and staleness: callers treat the
// numbers it reports as ground truth.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lecternapp/lectern/internal/textutil"
)

// Store provides database operations for the reader library.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the library database and initializes the schema.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	// WAL mode allows readers to proceed while the indexing pipeline writes.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite does not support multiple writers; keep one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		author     TEXT NOT NULL DEFAULT '',
		language   TEXT NOT NULL DEFAULT 'en',
		file_path  TEXT NOT NULL UNIQUE,
		file_type  TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sections (
		id          TEXT PRIMARY KEY,
		doc_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		title       TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		href        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS paragraphs (
		id          TEXT PRIMARY KEY,
		doc_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		section_id  TEXT REFERENCES sections(id) ON DELETE SET NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		text        TEXT NOT NULL,
		text_hash   TEXT NOT NULL,
		location    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		paragraph_id TEXT PRIMARY KEY REFERENCES paragraphs(id) ON DELETE CASCADE,
		vector       BLOB NOT NULL,
		dim          INTEGER NOT NULL,
		provider     TEXT NOT NULL,
		model        TEXT NOT NULL,
		text_hash    TEXT NOT NULL,
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sections_doc_id ON sections(doc_id);
	CREATE INDEX IF NOT EXISTS idx_paragraphs_doc_id ON paragraphs(doc_id);
	CREATE INDEX IF NOT EXISTS idx_paragraphs_section_id ON paragraphs(section_id);
	CREATE INDEX IF NOT EXISTS idx_embeddings_profile ON embeddings(provider, model, dim);
	`

	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// TextHash returns the content hash under which a paragraph's vector is
// stored. Hashing normalized text keeps whitespace-only edits from marking
// vectors stale.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(textutil.CleanText(text)))
	return hex.EncodeToString(sum[:])
}

// InsertDocument adds a document to the library and returns it with a
// generated id.
func (s *Store) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	doc.ID = uuid.NewString()
	if doc.Language == "" {
		doc.Language = "en"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, author, language, file_path, file_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Author, doc.Language, doc.FilePath, doc.FileType, time.Now().Unix(),
	)
	if err != nil {
		return Document{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return doc, nil
}

// InsertSection adds a section to a document and returns it with a generated id.
func (s *Store) InsertSection(ctx context.Context, sec Section) (Section, error) {
	sec.ID = uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sections (id, doc_id, title, order_index, href)
		 VALUES (?, ?, ?, ?, ?)`,
		sec.ID, sec.DocID, sec.Title, sec.OrderIndex, sec.Href,
	)
	if err != nil {
		return Section{}, fmt.Errorf("failed to insert section: %w", err)
	}
	return sec, nil
}

// InsertParagraph adds a paragraph and returns it with a generated id.
func (s *Store) InsertParagraph(ctx context.Context, p Paragraph) (Paragraph, error) {
	p.ID = uuid.NewString()

	var sectionID interface{}
	if p.SectionID != "" {
		sectionID = p.SectionID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paragraphs (id, doc_id, section_id, order_index, text, text_hash, location)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DocID, sectionID, p.OrderIndex, p.Text, TextHash(p.Text), p.Location,
	)
	if err != nil {
		return Paragraph{}, fmt.Errorf("failed to insert paragraph: %w", err)
	}
	return p, nil
}

// UpdateParagraphText rewrites a paragraph's text (and content hash), which
// implicitly marks any stored vector for it stale.
func (s *Store) UpdateParagraphText(ctx context.Context, paragraphID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE paragraphs SET text = ?, text_hash = ? WHERE id = ?`,
		text, TextHash(text), paragraphID,
	)
	if err != nil {
		return fmt.Errorf("failed to update paragraph: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("paragraph %s: %w", paragraphID, ErrNotFound)
	}
	return nil
}

// ListParagraphs returns all paragraphs of a document in reading order
// (section order, then paragraph order).
func (s *Store) ListParagraphs(ctx context.Context, docID string) ([]Paragraph, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.doc_id, COALESCE(p.section_id, ''), p.order_index, p.text, p.location
		 FROM paragraphs p
		 LEFT JOIN sections sec ON p.section_id = sec.id
		 WHERE p.doc_id = ?
		 ORDER BY COALESCE(sec.order_index, 0), p.order_index`,
		docID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list paragraphs: %w", err)
	}
	defer rows.Close()

	var out []Paragraph
	for rows.Next() {
		var p Paragraph
		if err := rows.Scan(&p.ID, &p.DocID, &p.SectionID, &p.OrderIndex, &p.Text, &p.Location); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertEmbeddingsBatch stores one vector per paragraph under the given
// profile, replacing any previous vector whole. It returns the number of rows
// written. Items whose vector length disagrees with the profile dimension
// reject the whole batch; partial writes would leave the index lying about
// its own coverage.
func (s *Store) UpsertEmbeddingsBatch(ctx context.Context, profile EmbeddingProfile, items []EmbeddingItem) (int, error) {
	if profile.Dimension <= 0 {
		return 0, fmt.Errorf("%w: embedding profile dimension must be greater than 0", ErrInvalidArgument)
	}
	for _, item := range items {
		if len(item.Vector) != profile.Dimension {
			return 0, fmt.Errorf("%w: vector for paragraph %s has dimension %d, profile expects %d",
				ErrInvalidArgument, item.ParagraphID, len(item.Vector), profile.Dimension)
		}
	}
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	upserted := 0
	for _, item := range items {
		var textHash string
		err := tx.QueryRowContext(ctx,
			`SELECT text_hash FROM paragraphs WHERE id = ?`, item.ParagraphID,
		).Scan(&textHash)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("paragraph %s: %w", item.ParagraphID, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load paragraph %s: %w", item.ParagraphID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO embeddings (paragraph_id, vector, dim, provider, model, text_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(paragraph_id) DO UPDATE SET
			   vector=excluded.vector,
			   dim=excluded.dim,
			   provider=excluded.provider,
			   model=excluded.model,
			   text_hash=excluded.text_hash,
			   created_at=excluded.created_at`,
			item.ParagraphID, EncodeVector(item.Vector), profile.Dimension,
			profile.Provider, profile.Model, textHash, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert embedding for %s: %w", item.ParagraphID, err)
		}
		upserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return upserted, nil
}

// ProfileStatus reports index coverage for the given profile. An empty docID
// means global status. A vector is stale when its profile differs from the
// configured one or the paragraph text changed since it was computed.
func (s *Store) ProfileStatus(ctx context.Context, profile EmbeddingProfile, docID string) (EmbeddingStatus, error) {
	status := EmbeddingStatus{Profile: profile}

	docFilter := ""
	args := func(extra ...interface{}) []interface{} {
		if docID != "" {
			return append(extra, docID)
		}
		return extra
	}
	if docID != "" {
		docFilter = " AND p.doc_id = ?"
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paragraphs p WHERE 1=1`+docFilter, args()...,
	).Scan(&status.Total)
	if err != nil {
		return status, fmt.Errorf("failed to count paragraphs: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paragraphs p
		 JOIN embeddings e ON e.paragraph_id = p.id
		 WHERE e.provider = ? AND e.model = ? AND e.dim = ? AND e.text_hash = p.text_hash`+docFilter,
		args(profile.Provider, profile.Model, profile.Dimension)...,
	).Scan(&status.Indexed)
	if err != nil {
		return status, fmt.Errorf("failed to count indexed paragraphs: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paragraphs p
		 JOIN embeddings e ON e.paragraph_id = p.id
		 WHERE (e.provider != ? OR e.model != ? OR e.dim != ? OR e.text_hash != p.text_hash)`+docFilter,
		args(profile.Provider, profile.Model, profile.Dimension)...,
	).Scan(&status.Stale)
	if err != nil {
		return status, fmt.Errorf("failed to count stale paragraphs: %w", err)
	}

	return status, nil
}

// ClearEmbeddingsByProfile deletes every vector stored under the given
// profile and returns the number of rows removed.
func (s *Store) ClearEmbeddingsByProfile(ctx context.Context, profile EmbeddingProfile) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE provider = ? AND model = ? AND dim = ?`,
		profile.Provider, profile.Model, profile.Dimension,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear embeddings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SearchByEmbedding ranks paragraphs by cosine similarity against the query
// vector, over vectors stored under the given profile. QueryText, when
// present, adds a small lexical boost for literal matches so exact phrases
// outrank merely-nearby vectors. DocID narrows the search to one document.
func (s *Store) SearchByEmbedding(ctx context.Context, profile EmbeddingProfile, queryVector []float32, topK int, docID, queryText string) ([]SearchResult, error) {
	if len(queryVector) == 0 {
		return []SearchResult{}, nil
	}
	if topK < 1 {
		topK = 1
	}
	if len(queryVector) != profile.Dimension {
		return nil, fmt.Errorf("%w: query vector dimension mismatch: expected %d, got %d",
			ErrInvalidArgument, profile.Dimension, len(queryVector))
	}

	query := `SELECT e.paragraph_id, e.vector
	          FROM embeddings e
	          JOIN paragraphs p ON e.paragraph_id = p.id
	          WHERE e.provider = ? AND e.model = ? AND e.dim = ?`
	args := []interface{}{profile.Provider, profile.Model, profile.Dimension}
	if docID != "" {
		query += " AND p.doc_id = ?"
		args = append(args, docID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	type scored struct {
		paragraphID string
		score       float32
	}
	var similarities []scored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue // one corrupt row must not sink the search
		}
		if len(vec) != len(queryVector) {
			continue
		}
		similarities = append(similarities, scored{id, CosineSimilarity(queryVector, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(similarities) == 0 {
		return []SearchResult{}, nil
	}

	sort.Slice(similarities, func(i, j int) bool {
		return similarities[i].score > similarities[j].score
	})

	// Keep a wide candidate set so the lexical boost can promote literal
	// matches that cosine alone ranked just below the cut.
	candidateK := topK * 8
	if candidateK < topK {
		candidateK = topK
	}
	if len(similarities) > candidateK {
		similarities = similarities[:candidateK]
	}

	ids := make([]string, len(similarities))
	for i, sc := range similarities {
		ids[i] = sc.paragraphID
	}
	paragraphs, err := s.loadParagraphMap(ctx, ids)
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(strings.TrimSpace(queryText))
	queryTokens := textutil.TokenizeQuery(queryLower)

	ranked := make([]SearchResult, 0, len(similarities))
	for _, sc := range similarities {
		p, ok := paragraphs[sc.paragraphID]
		if !ok {
			continue
		}
		score := sc.score
		if queryLower != "" {
			score += lexicalBoost(queryLower, queryTokens, p.Text)
		}
		ranked = append(ranked, SearchResult{
			ParagraphID: sc.paragraphID,
			Snippet:     textutil.Snippet(p.Text),
			Score:       score,
			Location:    p.Location,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

type paragraphRow struct {
	Text     string
	Location string
}

func (s *Store) loadParagraphMap(ctx context.Context, ids []string) (map[string]paragraphRow, error) {
	if len(ids) == 0 {
		return map[string]paragraphRow{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, location FROM paragraphs WHERE id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load paragraphs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]paragraphRow, len(ids))
	for rows.Next() {
		var id string
		var row paragraphRow
		if err := rows.Scan(&id, &row.Text, &row.Location); err != nil {
			return nil, err
		}
		out[id] = row
	}
	return out, rows.Err()
}

// lexicalBoost rewards literal query hits on top of the cosine score: a flat
// bonus for the full phrase, a capped per-occurrence bonus, and a token
// coverage term.
func lexicalBoost(queryLower string, queryTokens []string, text string) float32 {
	loweredText := strings.ToLower(text)
	var boost float32

	if queryLower != "" && strings.Contains(loweredText, queryLower) {
		boost += 0.25
		occurrences := float32(strings.Count(loweredText, queryLower))
		extra := occurrences * 0.03
		if extra > 0.15 {
			extra = 0.15
		}
		boost += extra
	}

	if len(queryTokens) > 0 {
		matched := 0
		for _, token := range queryTokens {
			if strings.Contains(loweredText, token) {
				matched++
			}
		}
		boost += float32(matched) / float32(len(queryTokens)) * 0.2
	}

	return boost
}
