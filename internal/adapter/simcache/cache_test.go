package simcache_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/simcache"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

func recs(ids ...string) domain.Recommendations {
	out := domain.Recommendations{}
	for _, id := range ids {
		out.Items = append(out.Items, domain.RecommendationItem{AdapterID: id, Score: 0.9})
	}
	return out
}

func TestFingerprintStable(t *testing.T) {
	a := simcache.Request{
		Kind:     "similar",
		TargetID: "lora-1",
		K:        10,
		Weights:  map[string]float64{"b": 0.2, "a": 0.1},
		Flags:    []string{"y", "x"},
	}
	b := simcache.Request{
		Kind:     "similar",
		TargetID: "lora-1",
		K:        10,
		Weights:  map[string]float64{"a": 0.1, "b": 0.2},
		Flags:    []string{"x", "y"},
	}
	require.Equal(t, a.Fingerprint(), b.Fingerprint(), "map and flag order must not matter")

	c := a
	c.K = 20
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestFingerprintRoundsWeights(t *testing.T) {
	a := simcache.Request{Kind: "similar", Weights: map[string]float64{"x": 0.1000001}}
	b := simcache.Request{Kind: "similar", Weights: map[string]float64{"x": 0.1}}
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestGetOrBuildCachesValue(t *testing.T) {
	c := simcache.New(time.Minute, 10, 1<<20)
	calls := 0
	compute := func(domain.Context) (domain.Recommendations, error) {
		calls++
		return recs("lora-2"), nil
	}
	req := simcache.Request{Kind: "similar", TargetID: "lora-1"}

	v, err := c.GetOrBuild(context.Background(), req, compute)
	require.NoError(t, err)
	require.Len(t, v.Items, 1)

	_, err = c.GetOrBuild(context.Background(), req, compute)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "second call must hit the cache")
}

func TestGetOrBuildCoalescesConcurrentCallers(t *testing.T) {
	c := simcache.New(time.Minute, 10, 1<<20)
	var calls atomic.Int64
	gate := make(chan struct{})
	compute := func(domain.Context) (domain.Recommendations, error) {
		calls.Add(1)
		<-gate
		return recs("lora-2"), nil
	}
	req := simcache.Request{Kind: "similar", TargetID: "lora-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrBuild(context.Background(), req, compute)
			require.NoError(t, err)
			require.Len(t, v.Items, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	require.Equal(t, int64(1), calls.Load(), "compute must run exactly once")
}

func TestExpiredEntryRebuilds(t *testing.T) {
	c := simcache.New(20*time.Millisecond, 10, 1<<20)
	calls := 0
	compute := func(domain.Context) (domain.Recommendations, error) {
		calls++
		return recs("lora-2"), nil
	}
	req := simcache.Request{Kind: "similar", TargetID: "lora-1"}

	_, err := c.GetOrBuild(context.Background(), req, compute)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = c.GetOrBuild(context.Background(), req, compute)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "expired entry must not be served stale")
}

func TestComputeErrorNotCached(t *testing.T) {
	c := simcache.New(time.Minute, 10, 1<<20)
	calls := 0
	compute := func(domain.Context) (domain.Recommendations, error) {
		calls++
		if calls == 1 {
			return domain.Recommendations{}, errors.New("scorer down")
		}
		return recs("lora-2"), nil
	}
	req := simcache.Request{Kind: "similar", TargetID: "lora-1"}

	_, err := c.GetOrBuild(context.Background(), req, compute)
	require.Error(t, err)
	v, err := c.GetOrBuild(context.Background(), req, compute)
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
}

func TestLRUEviction(t *testing.T) {
	c := simcache.New(time.Minute, 2, 1<<20)
	compute := func(domain.Context) (domain.Recommendations, error) {
		return recs("x"), nil
	}
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.GetOrBuild(context.Background(), simcache.Request{Kind: "similar", TargetID: id}, compute)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Len())
}

func TestInvalidate(t *testing.T) {
	c := simcache.New(time.Minute, 10, 1<<20)
	compute := func(domain.Context) (domain.Recommendations, error) {
		return recs("x"), nil
	}
	reqA := simcache.Request{Kind: "similar", TargetID: "a"}
	reqB := simcache.Request{Kind: "similar", TargetID: "b"}
	_, _ = c.GetOrBuild(context.Background(), reqA, compute)
	_, _ = c.GetOrBuild(context.Background(), reqB, compute)

	fpA := reqA.Fingerprint()
	n := c.Invalidate(func(fp string) bool { return strings.EqualFold(fp, fpA) })
	require.Equal(t, 1, n)
	require.Equal(t, 1, c.Len())
}
