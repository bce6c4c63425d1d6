package cache

import (
	"context"
	"sort"
	"strings"
)

// The L2 semantic index is one Redis set per intent namespace. Each member
// encodes "hash|tok1 tok2 ..." so a lookup needs a single SMEMBERS plus
// in-process similarity scoring. Members whose L1 entry has expired are
// pruned lazily during lookup.

const semanticTopK = 16

func indexKey(namespace string) string {
	return "idx:" + namespace
}

func indexMember(hash string, tokens []string) string {
	return hash + "|" + strings.Join(tokens, " ")
}

func parseIndexMember(member string) (hash string, tokens []string, ok bool) {
	i := strings.IndexByte(member, '|')
	if i <= 0 {
		return "", nil, false
	}
	return member[:i], strings.Fields(member[i+1:]), true
}

// jaccard computes set similarity over token multisets collapsed to sets.
// Symmetric by construction.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

type candidate struct {
	hash   string
	score  float64
	member string
}

// semanticCandidates scores all index members for the namespace and returns
// the top-K at or above the threshold, best first.
func (c *Cache) semanticCandidates(ctx context.Context, namespace string, tokens []string) ([]candidate, error) {
	members, err := c.store.SMembers(ctx, indexKey(namespace))
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for _, m := range members {
		hash, entryTokens, ok := parseIndexMember(m)
		if !ok {
			continue
		}
		score := jaccard(tokens, entryTokens)
		if score >= c.simThreshold {
			cands = append(cands, candidate{hash: hash, score: score, member: m})
		}
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > semanticTopK {
		cands = cands[:semanticTopK]
	}
	return cands, nil
}
