// Package similarity scores LoRA adapters against each other and against
// prompts using precomputed catalog metadata (trigger words and names). It
// deliberately computes no embeddings; richer scores can replace this
// adapter behind the same port.
package similarity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Scorer implements domain.SimilarityScorer over the adapter catalog.
type Scorer struct {
	adapters domain.AdapterRepository
}

// New constructs a Scorer.
func New(adapters domain.AdapterRepository) *Scorer {
	return &Scorer{adapters: adapters}
}

// Similar ranks catalog adapters by trigger-word overlap with the target.
func (s *Scorer) Similar(ctx domain.Context, targetID string, k int) ([]domain.RecommendationItem, error) {
	target, err := s.adapters.Get(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("op=similarity.similar: %w", err)
	}
	all, err := s.adapters.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=similarity.similar: %w", err)
	}
	targetWords := wordSet(target.TriggerWords)
	items := make([]domain.RecommendationItem, 0, len(all))
	for _, a := range all {
		if a.ID == targetID {
			continue
		}
		score := overlap(targetWords, wordSet(a.TriggerWords))
		if nameAffinity(target.Name, a.Name) {
			score += 0.25
		}
		if score <= 0 {
			continue
		}
		items = append(items, domain.RecommendationItem{
			AdapterID: a.ID,
			Name:      a.Name,
			Score:     clamp01(score),
			Reason:    "shared trigger words",
		})
	}
	return top(items, k), nil
}

// ForPrompt ranks catalog adapters by how many of their trigger words appear
// in the prompt.
func (s *Scorer) ForPrompt(ctx domain.Context, prompt string, k int) ([]domain.RecommendationItem, error) {
	all, err := s.adapters.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=similarity.for_prompt: %w", err)
	}
	promptWords := wordSet(strings.Fields(strings.ToLower(prompt)))
	items := make([]domain.RecommendationItem, 0, len(all))
	for _, a := range all {
		words := wordSet(a.TriggerWords)
		if len(words) == 0 {
			continue
		}
		hit := 0
		for w := range words {
			if _, ok := promptWords[w]; ok {
				hit++
			}
		}
		if hit == 0 {
			continue
		}
		items = append(items, domain.RecommendationItem{
			AdapterID: a.ID,
			Name:      a.Name,
			Score:     clamp01(float64(hit) / float64(len(words))),
			Reason:    "trigger words present in prompt",
		})
	}
	return top(items, k), nil
}

// wordSet lowercases and splits multi-word entries so "cat style" matches
// both "cat" and "style".
func wordSet(entries []string) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		for _, w := range strings.Fields(strings.ToLower(e)) {
			out[strings.Trim(w, ",.")] = struct{}{}
		}
	}
	delete(out, "")
	return out
}

func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	hit := 0
	for w := range a {
		if _, ok := b[w]; ok {
			hit++
		}
	}
	union := len(a) + len(b) - hit
	return float64(hit) / float64(union)
}

func nameAffinity(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return a != "" && b != "" && (strings.Contains(a, b) || strings.Contains(b, a))
}

func clamp01(f float64) float64 {
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// top sorts by score desc with adapter id as the tiebreak, then truncates.
func top(items []domain.RecommendationItem, k int) []domain.RecommendationItem {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].AdapterID < items[j].AdapterID
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	return items
}
