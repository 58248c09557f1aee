package cache

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/image-orchestrator/pkg/models"
)

func sampleResult(keyword string) models.AnalysisResult {
	return models.AnalysisResult{
		ID:         "r-" + keyword,
		Keywords:   []string{keyword},
		Colors:     []string{"blue"},
		Style:      "modern",
		Mood:       "calm",
		Confidence: 0.8,
		Embedding:  []float64{0.1, 0.2},
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("same bytes"))
	b := Fingerprint([]byte("same bytes"))
	c := Fingerprint([]byte("other bytes"))

	assert.Len(t, a, KeyLength)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPutGet_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := New(clockwork.NewFakeClock(), 10, time.Hour)
	r := sampleResult("ocean")

	c.Put(ctx, "k", r)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, r, got)

	// the stored copy is isolated from caller mutation
	got.Keywords[0] = "mutated"
	again, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "ocean", again.Keywords[0])
}

func TestGet_MissHasNoSideEffects(t *testing.T) {
	c := New(clockwork.NewFakeClock(), 10, time.Hour)

	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.Stats().Misses)
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(clock, 10, time.Minute)

	c.Put(ctx, "k", sampleResult("forest"))

	clock.Advance(time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok, "entry is live at exactly createdAt+ttl")

	clock.Advance(time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	c.Put(ctx, "k", sampleResult("desert"))
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "desert", got.Keywords[0])
}

func TestPut_BoundedSizeEvictsOldestCreated(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(clock, 3, time.Hour)

	for i := 0; i < 4; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), sampleResult(fmt.Sprint(i)))
		clock.Advance(time.Second)
		// reading k0 does not protect it from eviction
		c.Get(ctx, "k0")
	}

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get(ctx, "k0")
	assert.False(t, ok)
	for i := 1; i < 4; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("k%d", i))
		assert.True(t, ok)
	}
}

func TestPut_NeverExceedsMaxSize(t *testing.T) {
	ctx := context.Background()
	c := New(clockwork.NewFakeClock(), 5, time.Hour)

	for i := 0; i < 50; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), sampleResult("x"))
		require.LessOrEqual(t, c.Len(), 5)
	}
}

func TestPut_SameKeyReplaces(t *testing.T) {
	ctx := context.Background()
	c := New(clockwork.NewFakeClock(), 2, time.Hour)

	c.Put(ctx, "a", sampleResult("one"))
	c.Put(ctx, "a", sampleResult("two"))
	c.Put(ctx, "b", sampleResult("three"))

	assert.Equal(t, 2, c.Len())
	got, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "two", got.Keywords[0])
}

func TestGet_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c := New(clockwork.NewFakeClock(), 10, time.Hour)

	bad := sampleResult("glitch")
	bad.Confidence = math.NaN()
	c.Put(ctx, "bad", bad)

	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMostPopular(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(clock, 10, time.Hour)

	_, ok := c.MostPopular(ctx)
	assert.False(t, ok)

	c.Put(ctx, "a", sampleResult("a"))
	c.Put(ctx, "b", sampleResult("b"))
	c.Get(ctx, "b")
	c.Get(ctx, "b")
	c.Get(ctx, "a")

	entry, ok := c.MostPopular(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", entry.Key)
	assert.Equal(t, int64(2), entry.Hits)

	clock.Advance(2 * time.Hour)
	_, ok = c.MostPopular(ctx)
	assert.False(t, ok, "stale entries are never popular")
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c := New(clock, 10, time.Minute)

	c.Put(ctx, "old", sampleResult("old"))
	clock.Advance(45 * time.Second)
	c.Put(ctx, "new", sampleResult("new"))
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, c.PurgeExpired(ctx))
	assert.Equal(t, 1, c.Len())
}

func TestResizeAndClear(t *testing.T) {
	ctx := context.Background()
	c := New(clockwork.NewFakeClock(), 10, time.Hour)
	for i := 0; i < 6; i++ {
		c.Put(ctx, fmt.Sprintf("k%d", i), sampleResult("x"))
	}

	c.Resize(ctx, 4, time.Minute)
	stats := c.Stats()
	assert.Equal(t, 4, stats.Size)
	assert.Equal(t, 4, stats.MaxSize)
	assert.Equal(t, int64(2), stats.Evictions)

	c.Clear()
	assert.Equal(t, Stats{MaxSize: 4}, c.Stats())
}

func TestStats_HitRate(t *testing.T) {
	ctx := context.Background()
	c := New(clockwork.NewFakeClock(), 10, time.Hour)
	c.Put(ctx, "k", sampleResult("x"))

	c.Get(ctx, "k")
	c.Get(ctx, "k")
	c.Get(ctx, "k")
	c.Get(ctx, "nope")

	assert.InDelta(t, 0.75, c.Stats().HitRate, 1e-9)
}
