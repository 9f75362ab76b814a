package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVectorizer returns a fixed vector per input text, looked up by exact
// match, so tests can control similarity deterministically.
type stubVectorizer struct {
	vectors map[string][]float64
}

func (s *stubVectorizer) Vectorize(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = []float64{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	vz := &stubVectorizer{vectors: map[string][]float64{
		"summarize a document":  {1, 0, 0},
		"write production code": {0, 1, 0},
		"exact match query":     {1, 0, 0},
	}}
	tasks := []CanonicalTask{
		{ID: "summarize", Text: "summarize a document", PreferredModel: "cheap-model"},
		{ID: "code", Text: "write production code", PreferredModel: "strong-model"},
	}
	idx, err := New(context.Background(), vz, tasks, 2, time.Minute)
	require.NoError(t, err)
	return idx
}

func TestQueryMatchesClosestCanonicalTask(t *testing.T) {
	idx := newTestIndex(t)
	sel, ok, err := idx.Query(context.Background(), "exact match query")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cheap-model", sel.ModelID)
	assert.Contains(t, sel.CanonicalIDs, "summarize")
}

func TestQueryReturnsNotOKBelowThreshold(t *testing.T) {
	vz := &stubVectorizer{vectors: map[string][]float64{
		"a": {1, 0, 0},
		"orthogonal query": {0, 0, 1},
	}}
	tasks := []CanonicalTask{{ID: "a", Text: "a", PreferredModel: "m"}}
	idx, err := New(context.Background(), vz, tasks, 1, time.Minute)
	require.NoError(t, err)

	_, ok, err := idx.Query(context.Background(), "orthogonal query")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryEmptyTextOrEmptyIndexIsNotOK(t *testing.T) {
	idx := newTestIndex(t)
	_, ok, err := idx.Query(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)

	empty, err := New(context.Background(), &stubVectorizer{}, nil, 3, time.Minute)
	require.NoError(t, err)
	_, ok, err = empty.Query(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestQueryPicksHighestAggregateSumNotHighestAverage reproduces the
// original_source EmbeddingRouter::select behavior: with topK=3 and
// per-entry scores B:0.95, A:0.6, A2:0.55, model A's summed score
// (1.15) beats model B's (0.95) even though B's own average (0.95) is
// higher than A's (0.575) — the winner is chosen by per-model sum over
// the top-k slice, not by each model's own average.
func TestQueryPicksHighestAggregateSumNotHighestAverage(t *testing.T) {
	query := []float64{1, 0}
	vz := &stubVectorizer{vectors: map[string][]float64{
		"b-task":  {0.95, 0.3122498999},
		"a-task":  {0.6, 0.8},
		"a2-task": {0.55, 0.8351999967},
		"query":   query,
	}}
	tasks := []CanonicalTask{
		{ID: "b", Text: "b-task", PreferredModel: "model-b"},
		{ID: "a", Text: "a-task", PreferredModel: "model-a"},
		{ID: "a2", Text: "a2-task", PreferredModel: "model-a"},
	}
	idx, err := New(context.Background(), vz, tasks, 3, time.Minute)
	require.NoError(t, err)

	sel, ok, err := idx.Query(context.Background(), "query")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "model-a", sel.ModelID)
	assert.ElementsMatch(t, []string{"a", "a2"}, sel.CanonicalIDs)
	assert.InDelta(t, 1.15/3.0, sel.Score, 1e-6)
}

func TestSelectionHashIsStableAndDiscriminating(t *testing.T) {
	a := Selection{ModelID: "m1", CanonicalIDs: []string{"x", "y"}}
	b := Selection{ModelID: "m1", CanonicalIDs: []string{"x", "y"}}
	c := Selection{ModelID: "m2", CanonicalIDs: []string{"x", "y"}}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}
