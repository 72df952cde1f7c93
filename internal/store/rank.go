package store

import (
	"math"
	"sort"
)

// CosineSimilarity computes cosine similarity between two vectors of the
// same length, in [-1, 1]. Returns 0 for zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float32 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}

// Less imposes the deterministic candidate ordering: descending similarity,
// ties broken by ascending chunk index for document chunks and ascending
// creation time for transcripts, then by id as a final stable key.
func Less(a, b Candidate) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.Kind != b.Kind {
		return a.Kind == KindDocument
	}
	if a.Kind == KindDocument {
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
	} else if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Rank filters candidates by strict threshold, sorts them deterministically
// and truncates to limit. Filtering happens before truncation: limit bounds
// the post-filter result count.
func Rank(cands []Candidate, threshold float32, limit int) []Candidate {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Similarity > threshold {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return Less(kept[i], kept[j]) })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
