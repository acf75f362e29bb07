package search

import (
	"sort"

	"github.com/bull/context-core/internal/storage"
)

// DefaultRRFConstant is the usual RRF smoothing constant.
const DefaultRRFConstant = 60

// Candidate is one fused hit from one collection.
type Candidate struct {
	Hit        storage.Hit
	Collection string
	Score      float64 // fused, in (0, 1]
	DenseRank  int     // 1-indexed, 0 if absent
	SparseRank int
}

// Fuse combines the signal lists of one collection with reciprocal-rank
// fusion: score(d) = sum over lists of 1 / (k + rank). Only ranks count,
// so the different score scales of dense and sparse search never matter.
//
// A point carries either a text or a code vector, never both, so it can
// appear in at most one dense list. Scores are divided by the best score
// a point can reach (rank 1 everywhere it can appear), which makes them
// comparable across collections.
func Fuse(hits storage.SignalHits, collection string, k int, sparse bool) []Candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	byID := make(map[string]*Candidate)
	get := func(h storage.Hit) *Candidate {
		c, ok := byID[h.ID]
		if !ok {
			c = &Candidate{Hit: h, Collection: collection}
			byID[h.ID] = c
		}
		return c
	}

	for _, list := range [][]storage.Hit{hits.Text, hits.Code} {
		for rank, h := range list {
			c := get(h)
			if c.DenseRank == 0 || rank+1 < c.DenseRank {
				c.DenseRank = rank + 1
			}
		}
	}
	for rank, h := range hits.Sparse {
		get(h).SparseRank = rank + 1
	}

	best := 1.0 / float64(k+1)
	if sparse {
		best *= 2
	}
	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		var s float64
		if c.DenseRank > 0 {
			s += 1.0 / float64(k+c.DenseRank)
		}
		if c.SparseRank > 0 {
			s += 1.0 / float64(k+c.SparseRank)
		}
		c.Score = min(s/best, 1)
		out = append(out, *c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by score, then by presence in both signals, then
// by id so equal scores sort deterministically.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aBoth := a.DenseRank > 0 && a.SparseRank > 0
		bBoth := b.DenseRank > 0 && b.SparseRank > 0
		if aBoth != bBoth {
			return aBoth
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		return a.Hit.ID < b.Hit.ID
	})
}
