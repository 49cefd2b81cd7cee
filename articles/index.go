package articles

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Filter narrows a similarity search to a category and/or tag.
type Filter struct {
	CategoryID string
	Tag        string
}

// Hit is one similarity-search result. Score is cosine similarity normalized
// into [0,1] via (cos+1)/2.
type Hit struct {
	ArticleID string
	Title     string
	Score     float64
	UpdatedAt time.Time
}

type indexEntry struct {
	articleID  string
	title      string
	categoryID string
	tags       []string
	vector     []float32
	updatedAt  time.Time
}

// vectorIndex keeps published-article embeddings in memory. Reads take a
// snapshot under RLock so a concurrent upsert never blocks a running search.
type vectorIndex struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{entries: make(map[string]indexEntry)}
}

func (ix *vectorIndex) put(entry indexEntry) {
	if entry.articleID == "" || len(entry.vector) == 0 {
		return
	}
	ix.mu.Lock()
	ix.entries[entry.articleID] = entry
	ix.mu.Unlock()
}

func (ix *vectorIndex) remove(articleID string) {
	ix.mu.Lock()
	delete(ix.entries, articleID)
	ix.mu.Unlock()
}

func (ix *vectorIndex) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// search returns the k best-scoring entries matching the filter, ordered by
// descending score with ties broken by most-recently-updated. Entries whose
// vector length differs from the query are skipped rather than mis-scored.
func (ix *vectorIndex) search(query []float32, k int, filter Filter) []Hit {
	if len(query) == 0 || k <= 0 {
		return []Hit{}
	}

	ix.mu.RLock()
	hits := make([]Hit, 0, len(ix.entries))
	for _, entry := range ix.entries {
		if len(entry.vector) != len(query) {
			continue
		}
		if filter.CategoryID != "" && entry.categoryID != filter.CategoryID {
			continue
		}
		if filter.Tag != "" && !containsTag(entry.tags, filter.Tag) {
			continue
		}
		hits = append(hits, Hit{
			ArticleID: entry.articleID,
			Title:     entry.title,
			Score:     normalizeScore(cosineSimilarity(query, entry.vector)),
			UpdatedAt: entry.updatedAt,
		})
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func cosineSimilarity(a, b []float32) float64 {
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

// normalizeScore maps cosine similarity [-1,1] into [0,1] so retrieval scores
// read on the same scale as helpfulness ratios.
func normalizeScore(cos float64) float64 {
	score := (cos + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func containsTag(tags []string, wanted string) bool {
	for _, tag := range tags {
		if tag == wanted {
			return true
		}
	}
	return false
}
