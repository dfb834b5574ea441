package memory

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/proxycast/proxycast/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func save(t *testing.T, s *Store, category Category, content string, vec []float32) *Memory {
	t.Helper()
	m := &Memory{Category: category, Content: content, Embedding: vec}
	if err := s.Save(context.Background(), m); err != nil {
		t.Fatalf("save %q: %v", content, err)
	}
	return m
}

func TestSaveGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Memory{
		Category: CategoryExperience,
		Content:  "the staging cluster lives in us-east-1",
		Metadata: map[string]any{"source": "slack"},
	}
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.ID == "" {
		t.Fatal("save did not assign an ID")
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != m.Content || got.Category != CategoryExperience {
		t.Fatalf("got %+v", got)
	}
	if got.Metadata["source"] != "slack" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1 after first get", got.AccessCount)
	}

	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, m.ID); err == nil {
		t.Fatal("get after delete should fail")
	}
}

func TestSaveUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := save(t, s, CategoryActivity, "original", nil)
	m.Content = "updated"
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "updated" {
		t.Fatalf("content = %q", got.Content)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	vec := []float32{0.25, -1.5, 3.75}

	m := save(t, s, CategoryContext, "vectorised", vec)
	got, err := s.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("embedding = %v", got.Embedding)
	}
	for i := range vec {
		if got.Embedding[i] != vec[i] {
			t.Fatalf("embedding[%d] = %v, want %v", i, got.Embedding[i], vec[i])
		}
	}
}

func TestListByCategory(t *testing.T) {
	s := newTestStore(t)
	save(t, s, CategoryExperience, "experience one", nil)
	save(t, s, CategoryExperience, "experience two", nil)
	save(t, s, CategoryActivity, "a task", nil)

	exps, err := s.List(context.Background(), CategoryExperience, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(exps) != 2 {
		t.Fatalf("got %d experiences, want 2", len(exps))
	}

	all, err := s.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d memories, want 3", len(all))
	}
}

func TestSemanticSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	save(t, s, CategoryExperience, "close match", []float32{1, 0, 0})
	save(t, s, CategoryExperience, "partial match", []float32{1, 1, 0})
	save(t, s, CategoryExperience, "opposite", []float32{-1, 0, 0})
	save(t, s, CategoryExperience, "no vector", nil)

	results, err := s.SemanticSearch(ctx, []float32{1, 0, 0}, SearchOptions{MinSim: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	if results[0].Memory.Content != "close match" {
		t.Fatalf("top result = %q", results[0].Memory.Content)
	}
	if math.Abs(results[0].Score-1.0) > 1e-6 {
		t.Fatalf("top score = %v, want 1.0", results[0].Score)
	}
	if math.Abs(results[1].Score-1/math.Sqrt2) > 1e-6 {
		t.Fatalf("second score = %v, want %v", results[1].Score, 1/math.Sqrt2)
	}
}

func TestSemanticSearchCategoryFilter(t *testing.T) {
	s := newTestStore(t)
	save(t, s, CategoryExperience, "an experience", []float32{1, 0})
	save(t, s, CategoryActivity, "a task", []float32{1, 0})

	results, err := s.SemanticSearch(context.Background(), []float32{1, 0},
		SearchOptions{Category: CategoryActivity})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.Content != "a task" {
		t.Fatalf("results = %+v", results)
	}
}

func TestKeywordSearch(t *testing.T) {
	s := newTestStore(t)
	save(t, s, CategoryExperience, "deploy pipeline uses blue green rollout", nil)
	save(t, s, CategoryExperience, "database backups run nightly", nil)

	results, err := s.KeywordSearch(context.Background(), "deploy rollout", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Score != 1.0 {
		t.Fatalf("score = %v, want 1.0", results[0].Score)
	}
}

func TestHybridSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	both := save(t, s, CategoryExperience, "kubernetes deploy strategy", []float32{1, 0})
	save(t, s, CategoryExperience, "vector only entry", []float32{0.9, 0.1})
	save(t, s, CategoryExperience, "deploy notes from last week", []float32{0, 1})

	results, err := s.HybridSearch(ctx, []float32{1, 0}, "deploy", 0.6, SearchOptions{})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	// Found by both channels: 0.6·1.0 + 0.4·1.0 = 1.0.
	if results[0].Memory.ID != both.ID {
		t.Fatalf("top result = %q", results[0].Memory.Content)
	}
	if math.Abs(results[0].Score-1.0) > 1e-6 {
		t.Fatalf("fused score = %v, want 1.0", results[0].Score)
	}
}

func TestHybridSearchMinSim(t *testing.T) {
	s := newTestStore(t)
	save(t, s, CategoryExperience, "weak overlap", []float32{0, 1})

	results, err := s.HybridSearch(context.Background(), []float32{1, 0}, "nothing shared", 0.5,
		SearchOptions{MinSim: 0.4})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v", results)
	}
}

func TestHybridSearchBadWeight(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.HybridSearch(context.Background(), []float32{1}, "x", 1.5, SearchOptions{}); err == nil {
		t.Fatal("weight > 1 should error")
	}
}

func TestSaveCarriesSessionFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Memory{
		SessionID:  "sess-42",
		Category:   CategoryIdentity,
		Title:      "deploy owner",
		Content:    "alex owns the deploy pipeline",
		Summary:    "pipeline ownership",
		Tags:       []string{"deploy", "ownership"},
		Confidence: 0.9,
		Importance: 200,
		Source:     "conversation",
		Archived:   true,
	}
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != "sess-42" || got.Title != "deploy owner" || got.Summary != "pipeline ownership" {
		t.Fatalf("got %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "deploy" || got.Tags[1] != "ownership" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if !got.Archived || got.Importance != 200 || got.Confidence != 0.9 {
		t.Fatalf("got %+v", got)
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Memory
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.SessionID != got.SessionID || back.Title != got.Title ||
		back.Summary != got.Summary || len(back.Tags) != 2 || !back.Archived {
		t.Fatalf("json round trip lost fields: %+v", back)
	}
}

func TestSaveClampsAndDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Memory{
		Category:   Category("folklore"),
		Content:    "clamped entry",
		Confidence: 3,
		Importance: 999,
	}
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.Category != DefaultCategory {
		t.Fatalf("category = %q, want %q", m.Category, DefaultCategory)
	}
	if m.Importance != 255 || m.Confidence != 1 {
		t.Fatalf("importance = %d confidence = %v", m.Importance, m.Confidence)
	}
}
