// Package memory persists categorised memories with optional vector
// embeddings and serves semantic, keyword, and hybrid search over
// them. Embeddings come from an external embedding client; this
// package only stores vectors and fuses scores.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Category buckets memories by what they capture.
type Category string

const (
	CategoryIdentity   Category = "identity"
	CategoryContext    Category = "context"
	CategoryPreference Category = "preference"
	CategoryExperience Category = "experience"
	CategoryActivity   Category = "activity"
)

// DefaultCategory absorbs entries saved with an unknown or empty
// category.
const DefaultCategory = CategoryContext

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryIdentity, CategoryContext, CategoryPreference,
		CategoryExperience, CategoryActivity:
		return true
	}
	return false
}

// Memory is one stored entry. Confidence lives in [0, 1] and
// importance in [0, 255]; both are clamped on save. AccessCount is
// bumped on every Get.
type Memory struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	Category    Category       `json:"category"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content"`
	Summary     string         `json:"summary,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Embedding   []float32      `json:"-"`
	Confidence  float64        `json:"confidence"`
	Importance  int            `json:"importance"`
	AccessCount int            `json:"access_count"`
	Source      string         `json:"source,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Archived    bool           `json:"archived"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SearchResult pairs a memory with its relevance score in [0, 1].
type SearchResult struct {
	Memory *Memory
	Score  float64
}

// Store is the memories DAO.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts or updates a memory, assigning an ID when absent.
// Unknown categories degrade to DefaultCategory.
func (s *Store) Save(ctx context.Context, m *Memory) error {
	if m.Content == "" {
		return fmt.Errorf("memory content is empty")
	}
	if !m.Category.Valid() {
		m.Category = DefaultCategory
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Importance = min(max(m.Importance, 0), 255)
	m.Confidence = math.Min(math.Max(m.Confidence, 0), 1)

	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, category, title, content, summary, tags_json,
			embedding, confidence, importance, access_count, source, metadata_json, archived,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			category = excluded.category,
			title = excluded.title,
			content = excluded.content,
			summary = excluded.summary,
			tags_json = excluded.tags_json,
			embedding = excluded.embedding,
			confidence = excluded.confidence,
			importance = excluded.importance,
			source = excluded.source,
			metadata_json = excluded.metadata_json,
			archived = excluded.archived,
			updated_at = CURRENT_TIMESTAMP`,
		m.ID, m.SessionID, m.Category, m.Title, m.Content, m.Summary, string(tags),
		encodeEmbedding(m.Embedding), m.Confidence, m.Importance, m.AccessCount,
		m.Source, string(meta), m.Archived)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// Get returns one memory by ID and bumps its access count.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories WHERE id = ?`, id)
	m, _, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	m.AccessCount++
	if _, uerr := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1 WHERE id = ?`, id); uerr != nil {
		return nil, fmt.Errorf("bump access count: %w", uerr)
	}
	return m, nil
}

// Delete removes a memory by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

// List returns memories, newest first, optionally filtered by category.
func (s *Store) List(ctx context.Context, category Category, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + memoryColumns + ` FROM memories`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, _, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// memoryColumns is the shared SELECT list every scanMemory caller uses.
const memoryColumns = `id, session_id, category, title, content, summary, tags_json,
	embedding, confidence, importance, access_count, source, metadata_json, archived,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, []byte, error) {
	var m Memory
	var blob []byte
	var sessionID, title, summary, tags, source, meta sql.NullString
	err := row.Scan(&m.ID, &sessionID, &m.Category, &title, &m.Content, &summary, &tags,
		&blob, &m.Confidence, &m.Importance, &m.AccessCount, &source, &meta, &m.Archived,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}
	m.SessionID = sessionID.String
	m.Title = title.String
	m.Summary = summary.String
	m.Source = source.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
			return nil, nil, fmt.Errorf("decode tags for %s: %w", m.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return nil, nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
	}
	m.Embedding = decodeEmbedding(blob)
	return &m, blob, nil
}

// encodeEmbedding packs float32s little-endian, 4 bytes each.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
