// Package embedding implements the optional canonical-task similarity
// index: a small set of named task descriptions, each pre-vectorized and
// L2-normalized, matched against an incoming conversation summary by
// cosine similarity.
//
// The index owns similarity scoring and aggregation only; it never
// computes embeddings itself. Vectorization is delegated to a Vectorizer
// capability injected at construction — in production this is an HTTP
// client to an embedding provider, in tests a deterministic stub.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Vectorizer turns text into embedding vectors. Implementations may
// batch; callers should not assume 1:1 latency per text.
type Vectorizer interface {
	Vectorize(ctx context.Context, texts []string) ([][]float64, error)
}

// CanonicalTask is one entry of the canonical task file.
type CanonicalTask struct {
	ID             string  `yaml:"id" json:"id"`
	Text           string  `yaml:"text" json:"text"`
	PreferredModel string  `yaml:"preferred_model" json:"preferred_model"`
	Weight         float64 `yaml:"weight" json:"weight"`
}

type canonicalVector struct {
	task   CanonicalTask
	vector []float64
}

// Selection is the result of a successful canonical match.
type Selection struct {
	ModelID      string
	CanonicalIDs []string
	Score        float64
}

// Hash derives the cache-key contribution for a selection: a stable
// fingerprint over the matched model id and canonical ids, so two
// requests that land on the same canonical match share a cache key and
// two that don't, don't.
func (s Selection) Hash() uint64 {
	h := sha256.New()
	h.Write([]byte(s.ModelID))
	for _, id := range s.CanonicalIDs {
		h.Write([]byte("|"))
		h.Write([]byte(id))
	}
	sum := h.Sum(nil)
	return bytesToUint64(sum)
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

const minAggregateScore = 0.2

type queryCacheEntry struct {
	vector    []float64
	expiresAt time.Time
}

// Index is the EmbeddingIndex.
type Index struct {
	vectorizer Vectorizer
	topK       int
	cacheTTL   time.Duration

	canon []canonicalVector

	mu        sync.Mutex
	queryLRU  map[string]queryCacheEntry
	lruCap    int
}

// New vectorizes tasks once at construction time and stores L2-normalized
// vectors.
func New(ctx context.Context, vectorizer Vectorizer, tasks []CanonicalTask, topK int, cacheTTL time.Duration) (*Index, error) {
	if topK <= 0 {
		topK = 3
	}
	texts := make([]string, len(tasks))
	for i, t := range tasks {
		texts[i] = t.Text
	}

	vectors, err := vectorizer.Vectorize(ctx, texts)
	if err != nil {
		return nil, err
	}

	canon := make([]canonicalVector, len(tasks))
	for i, t := range tasks {
		v := append([]float64(nil), vectors[i]...)
		normalize(v)
		canon[i] = canonicalVector{task: t, vector: v}
	}

	return &Index{
		vectorizer: vectorizer,
		topK:       topK,
		cacheTTL:   cacheTTL,
		canon:      canon,
		queryLRU:   make(map[string]queryCacheEntry),
		lruCap:     512,
	}, nil
}

func normalize(v []float64) {
	norm := floats.Norm(v, 2)
	if norm == 0 {
		return
	}
	floats.Scale(1/norm, v)
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Query vectorizes (with a small TTL'd cache keyed by text hash; a cache
// hit does not extend an entry, and at capacity the entry nearest expiry
// is evicted) and matches text
// against the canonical set, returning the highest-aggregate preferred
// model if its averaged similarity score is at least 0.2. ok is false
// when there is no canonical data loaded, or no candidate clears the
// threshold.
func (idx *Index) Query(ctx context.Context, text string) (Selection, bool, error) {
	if len(idx.canon) == 0 || text == "" {
		return Selection{}, false, nil
	}

	vector, err := idx.vectorFor(ctx, text)
	if err != nil {
		return Selection{}, false, err
	}

	type scored struct {
		task  CanonicalTask
		score float64
	}
	all := make([]scored, 0, len(idx.canon))
	for _, c := range idx.canon {
		sim := cosineSimilarity(vector, c.vector) * weightOrOne(c.task.Weight)
		all = append(all, scored{task: c.task, score: sim})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	k := idx.topK
	if k > len(all) {
		k = len(all)
	}
	top := all[:k]

	sums := make(map[string]float64)
	ids := make(map[string][]string)
	for _, s := range top {
		sums[s.task.PreferredModel] += s.score
		ids[s.task.PreferredModel] = append(ids[s.task.PreferredModel], s.task.ID)
	}

	var bestModel string
	var bestSum float64
	first := true
	for model, sum := range sums {
		if first || sum > bestSum {
			bestModel = model
			bestSum = sum
			first = false
		}
	}

	if first || k == 0 {
		return Selection{}, false, nil
	}
	avgScore := bestSum / float64(k)
	if avgScore < minAggregateScore {
		return Selection{}, false, nil
	}

	return Selection{ModelID: bestModel, CanonicalIDs: ids[bestModel], Score: avgScore}, true, nil
}

func weightOrOne(w float64) float64 {
	if w <= 0 {
		return 1.0
	}
	return w
}

func (idx *Index) vectorFor(ctx context.Context, text string) ([]float64, error) {
	key := hashText(text)

	idx.mu.Lock()
	if e, ok := idx.queryLRU[key]; ok && time.Now().Before(e.expiresAt) {
		v := e.vector
		idx.mu.Unlock()
		return v, nil
	}
	idx.mu.Unlock()

	vectors, err := idx.vectorizer.Vectorize(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	v := append([]float64(nil), vectors[0]...)
	normalize(v)

	idx.mu.Lock()
	if len(idx.queryLRU) >= idx.lruCap {
		idx.evictOldestLocked()
	}
	idx.queryLRU[key] = queryCacheEntry{vector: v, expiresAt: time.Now().Add(idx.cacheTTL)}
	idx.mu.Unlock()

	return v, nil
}

func (idx *Index) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range idx.queryLRU {
		if first || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.expiresAt
			first = false
		}
	}
	if !first {
		delete(idx.queryLRU, oldestKey)
	}
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	return floats.Dot(a[:n], b[:n])
}
