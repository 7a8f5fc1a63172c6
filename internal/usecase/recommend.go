package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/simcache"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// RecommendService serves similarity recommendations through the
// fingerprinted cache, delegating actual scoring to the SimilarityScorer
// port.
type RecommendService struct {
	Cache    *simcache.Cache
	Scorer   domain.SimilarityScorer
	Adapters domain.AdapterRepository

	// fingerprint -> adapter ids referenced by the request, for targeted
	// invalidation when the catalog changes. Prompt-keyed fingerprints are
	// tracked separately since any catalog change can reshuffle them.
	mu        sync.Mutex
	refs      map[string][]string
	promptFPs map[string]struct{}
}

// NewRecommendService constructs a RecommendService.
func NewRecommendService(cache *simcache.Cache, scorer domain.SimilarityScorer, adapters domain.AdapterRepository) *RecommendService {
	return &RecommendService{
		Cache:     cache,
		Scorer:    scorer,
		Adapters:  adapters,
		refs:      make(map[string][]string),
		promptFPs: make(map[string]struct{}),
	}
}

// Similar returns adapters similar to the target.
func (s *RecommendService) Similar(ctx domain.Context, targetID string, k int) (domain.Recommendations, error) {
	if targetID == "" {
		return domain.Recommendations{}, fmt.Errorf("%w: target_id required", domain.ErrInvalidArgument)
	}
	if _, err := s.Adapters.Get(ctx, targetID); err != nil {
		return domain.Recommendations{}, fmt.Errorf("op=recommend.similar: %w", err)
	}
	k = clampK(k)
	req := simcache.Request{Kind: "similar", TargetID: targetID, K: k}
	s.remember(req.Fingerprint(), targetID)
	return s.Cache.GetOrBuild(ctx, req, func(ctx domain.Context) (domain.Recommendations, error) {
		items, err := s.Scorer.Similar(ctx, targetID, k)
		if err != nil {
			return domain.Recommendations{}, err
		}
		return domain.Recommendations{Items: items, CachedAt: time.Now().UTC()}, nil
	})
}

// ForPrompt returns adapters whose trigger material matches the prompt. The
// prompt itself never enters the fingerprint, only its hash.
func (s *RecommendService) ForPrompt(ctx domain.Context, prompt string, k int) (domain.Recommendations, error) {
	if strings.TrimSpace(prompt) == "" {
		return domain.Recommendations{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidArgument)
	}
	k = clampK(k)
	req := simcache.Request{Kind: "for_prompt", PromptHash: hashPrompt(prompt), K: k}
	s.rememberPrompt(req.Fingerprint())
	return s.Cache.GetOrBuild(ctx, req, func(ctx domain.Context) (domain.Recommendations, error) {
		items, err := s.Scorer.ForPrompt(ctx, prompt, k)
		if err != nil {
			return domain.Recommendations{}, err
		}
		return domain.Recommendations{Items: items, CachedAt: time.Now().UTC()}, nil
	})
}

// InvalidateAdapter drops cached entries whose request referenced the adapter
// id, plus all prompt-keyed entries (any adapter change can reshuffle prompt
// matches). Returns how many entries were removed.
func (s *RecommendService) InvalidateAdapter(adapterID string) int {
	s.mu.Lock()
	stale := make(map[string]bool, len(s.refs))
	for fp, ids := range s.refs {
		for _, id := range ids {
			if id == adapterID {
				stale[fp] = true
			}
		}
	}
	for fp := range s.promptFPs {
		stale[fp] = true
	}
	s.mu.Unlock()

	return s.Cache.Invalidate(func(fp string) bool { return stale[fp] })
}

func (s *RecommendService) remember(fingerprint string, adapterIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[fingerprint] = adapterIDs
}

func (s *RecommendService) rememberPrompt(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptFPs[fingerprint] = struct{}{}
}

func clampK(k int) int {
	if k <= 0 {
		return 10
	}
	if k > 100 {
		return 100
	}
	return k
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(prompt))))
	return hex.EncodeToString(sum[:])
}
