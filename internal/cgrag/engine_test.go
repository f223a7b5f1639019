package cgrag

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeStore struct {
	ready     bool
	artifacts []models.Artifact
	err       error
}

func (f *fakeStore) Ready() bool { return f.ready }

func (f *fakeStore) Search(context.Context, []float32, int) ([]models.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.artifacts, nil
}

func testConfig() config.CGRAGConfig {
	return config.CGRAGConfig{
		TokenBudget:  1000,
		MinRelevance: 0.7,
		SearchTime:   100 * time.Millisecond,
	}
}

func fiveChunks() []models.Artifact {
	return []models.Artifact{
		{ChunkID: "c1", Relevance: 0.9, Tokens: 300, Text: "one"},
		{ChunkID: "c2", Relevance: 0.8, Tokens: 300, Text: "two"},
		{ChunkID: "c3", Relevance: 0.45, Tokens: 300, Text: "three"},
		{ChunkID: "c4", Relevance: 0.40, Tokens: 300, Text: "four"},
		{ChunkID: "c5", Relevance: 0.30, Tokens: 300, Text: "five"},
	}
}

func TestRetrieveFiltersAndPacks(t *testing.T) {
	e := New(testConfig(), &fakeEmbedder{}, &fakeStore{ready: true, artifacts: fiveChunks()})

	got := e.Retrieve(context.Background(), "query", Options{})
	if len(got.Artifacts) != 2 {
		t.Fatalf("artifact count = %d, want 2 (relevance >= 0.7)", len(got.Artifacts))
	}
	if got.Artifacts[0].ChunkID != "c1" || got.Artifacts[1].ChunkID != "c2" {
		t.Errorf("order = [%s %s], want [c1 c2]", got.Artifacts[0].ChunkID, got.Artifacts[1].ChunkID)
	}
	if got.TotalTokens != 600 {
		t.Errorf("total tokens = %d, want 600", got.TotalTokens)
	}
}

func TestRetrieveBudgetStopsPacking(t *testing.T) {
	e := New(testConfig(), &fakeEmbedder{}, &fakeStore{ready: true, artifacts: fiveChunks()})

	budget := 300
	got := e.Retrieve(context.Background(), "query", Options{Budget: &budget})
	if len(got.Artifacts) != 1 || got.Artifacts[0].ChunkID != "c1" {
		t.Errorf("with budget 300: %d artifacts, want just c1", len(got.Artifacts))
	}
}

func TestRetrieveZeroBudget(t *testing.T) {
	e := New(testConfig(), &fakeEmbedder{}, &fakeStore{ready: true, artifacts: fiveChunks()})

	zero := 0
	got := e.Retrieve(context.Background(), "query", Options{Budget: &zero})
	if len(got.Artifacts) != 0 || got.TotalTokens != 0 {
		t.Errorf("zero budget returned %d artifacts", len(got.Artifacts))
	}
	if got.Diagnostic == "" {
		t.Error("zero budget carried no diagnostic")
	}
}

func TestRetrieveBudgetCoversAll(t *testing.T) {
	e := New(testConfig(), &fakeEmbedder{}, &fakeStore{ready: true, artifacts: fiveChunks()})

	budget := 10000
	rel := 0.0
	got := e.Retrieve(context.Background(), "query", Options{Budget: &budget, MinRelevance: &rel})
	if len(got.Artifacts) != 5 {
		t.Fatalf("artifact count = %d, want all 5", len(got.Artifacts))
	}
	for i := 1; i < len(got.Artifacts); i++ {
		if got.Artifacts[i].Relevance > got.Artifacts[i-1].Relevance {
			t.Errorf("artifacts not in descending relevance at %d", i)
		}
	}
}

func TestRetrieveDeterministicTieBreak(t *testing.T) {
	tied := []models.Artifact{
		{ChunkID: "z", Relevance: 0.9, Tokens: 100},
		{ChunkID: "a", Relevance: 0.9, Tokens: 100},
		{ChunkID: "m", Relevance: 0.9, Tokens: 100},
	}
	e := New(testConfig(), &fakeEmbedder{}, &fakeStore{ready: true, artifacts: tied})

	first := e.Retrieve(context.Background(), "query", Options{})
	want := []string{"a", "m", "z"}
	if diff := cmp.Diff(want, first.ArtifactIDs()); diff != "" {
		t.Fatalf("tie-break order (-want +got):\n%s", diff)
	}
	for i := 0; i < 5; i++ {
		got := e.Retrieve(context.Background(), "query", Options{})
		if diff := cmp.Diff(first.ArtifactIDs(), got.ArtifactIDs()); diff != "" {
			t.Fatalf("retrieval not deterministic (-first +got):\n%s", diff)
		}
	}
}

func TestRetrieveAbsentIndex(t *testing.T) {
	e := New(testConfig(), &fakeEmbedder{}, &fakeStore{ready: false})

	got := e.Retrieve(context.Background(), "query", Options{})
	if len(got.Artifacts) != 0 {
		t.Errorf("absent index returned artifacts")
	}
	if got.Diagnostic == "" {
		t.Error("absent index carried no diagnostic")
	}
}

func TestRetrieveEmbedderDown(t *testing.T) {
	emb := &fakeEmbedder{err: synerr.New(synerr.KindEmbeddingUnavailable, "refused")}
	e := New(testConfig(), emb, &fakeStore{ready: true, artifacts: fiveChunks()})

	got := e.Retrieve(context.Background(), "query", Options{})
	if len(got.Artifacts) != 0 || got.Diagnostic == "" {
		t.Errorf("embedder failure: artifacts=%d diagnostic=%q, want empty with diagnostic",
			len(got.Artifacts), got.Diagnostic)
	}
}

func TestEmbedQueryCached(t *testing.T) {
	emb := &fakeEmbedder{}
	e := New(testConfig(), emb, &fakeStore{ready: true, artifacts: fiveChunks()})

	e.Retrieve(context.Background(), "what is go", Options{})
	e.Retrieve(context.Background(), "  what is   go ", Options{})
	if emb.calls != 1 {
		t.Errorf("embedder calls = %d, want 1 (normalized variants share a cache slot)", emb.calls)
	}

	e.Retrieve(context.Background(), "another query", Options{})
	if emb.calls != 2 {
		t.Errorf("embedder calls = %d, want 2", emb.calls)
	}
}
