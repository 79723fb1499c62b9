package store

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Candidate is one ranked fuzzy match.
type Candidate struct {
	Node  *Node
	Score float64
	// Matched is the name or alias that produced the score.
	Matched string
}

// Weights for the combined score. The edit-distance component carries most
// of the signal; the phonetic component rescues spelling drift that an
// edit distance misses ("Sänk" vs "Cenk").
const (
	editWeight     = 0.7
	phoneticWeight = 0.3
)

// FindFuzzy ranks nodes against name using a combined Levenshtein-ratio
// and Double Metaphone score. nodeType narrows the search when non-empty.
// Only candidates at or above the configured MinScore are returned,
// best first, capped at MaxCandidates. Ordering is deterministic: score
// desc, then confidence desc, then most recently updated, then id.
func (s *Store) FindFuzzy(name, nodeType string) ([]Candidate, error) {
	var nodes []*Node
	var err error
	if nodeType != "" {
		nodes, err = s.FindByType(nodeType)
	} else {
		nodes, err = s.AllNodes()
	}
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, node := range nodes {
		best, matched := nameScore(name, node.ID), node.ID
		for _, alias := range node.Aliases {
			if sc := nameScore(name, alias); sc > best {
				best, matched = sc, alias
			}
		}
		if best >= s.fuzzy.MinScore {
			out = append(out, Candidate{Node: node, Score: best, Matched: matched})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Node.Confidence != out[j].Node.Confidence {
			return out[i].Node.Confidence > out[j].Node.Confidence
		}
		if !out[i].Node.UpdatedAt.Equal(out[j].Node.UpdatedAt) {
			return out[i].Node.UpdatedAt.After(out[j].Node.UpdatedAt)
		}
		return out[i].Node.ID < out[j].Node.ID
	})

	if len(out) > s.fuzzy.MaxCandidates {
		out = out[:s.fuzzy.MaxCandidates]
	}
	return out, nil
}

// PairScore exposes the combined score for two names directly. The
// consolidation engine uses it to pre-filter merge-judgment pairs.
func PairScore(a, b string) float64 {
	return nameScore(a, b)
}

func nameScore(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	dist := matchr.Levenshtein(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	editScore := 1 - float64(dist)/float64(longest)
	if editScore < 0 {
		editScore = 0
	}

	return editWeight*editScore + phoneticWeight*phoneticScore(a, b)
}

func phoneticScore(a, b string) float64 {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	switch {
	case ap != "" && ap == bp:
		return 1
	case as != "" && (as == bp || as == bs) || bs != "" && bs == ap:
		return 0.8
	}
	return 0
}
