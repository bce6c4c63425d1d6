package cache_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alicelabs/orchestrator/internal/cache"
	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
	"github.com/alicelabs/orchestrator/internal/infra"
)

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis, *fingerprint.Builder) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Default().Cache
	canon := fingerprint.NewCanonicalizer()
	return cache.New(infra.NewFromClient(rdb), cfg), mr, fingerprint.NewBuilder(canon, cfg.SchemaVersion, cfg.DepsVersion)
}

func entryFor(intent, payload string, tokens []string) *cache.Entry {
	return &cache.Entry{
		Intent:   intent,
		Route:    "MICRO",
		Payload:  payload,
		Level:    cache.LevelEasy,
		SchemaOK: true,
		Tokens:   tokens,
	}
}

func TestStoreLookupL1(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()

	key := b.Build(fingerprint.Input{Text: "vad är klockan", Intent: "time.now"})
	require.NoError(t, c.Store(ctx, key, entryFor("time.now", "Klockan är 10:00", nil)))

	res := c.Lookup(ctx, key, nil)
	require.Equal(t, core.TierL1, res.Tier)
	assert.Equal(t, "Klockan är 10:00", res.Entry.Payload)
}

func TestSemanticHitSameIntent(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()
	canon := fingerprint.NewCanonicalizer()

	textA := "vad blir vädret i stockholm idag"
	keyA := b.Build(fingerprint.Input{Text: textA, Intent: "weather.lookup"})
	require.NoError(t, c.Store(ctx, keyA,
		entryFor("weather.lookup", "Soligt, 22 grader", canon.Tokens(textA))))

	// Similar phrasing, different fingerprint.
	textB := "vad blir vädret idag i stockholm"
	keyB := b.Build(fingerprint.Input{Text: textB, Intent: "weather.lookup"})
	require.NotEqual(t, keyA.String(), keyB.String())

	res := c.Lookup(ctx, keyB, canon.Tokens(textB))
	require.Equal(t, core.TierL2, res.Tier)
	assert.GreaterOrEqual(t, res.Similarity, 0.85)
	assert.Equal(t, "weather.lookup", res.Entry.Intent)
}

func TestSemanticNeverCrossesIntent(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()
	canon := fingerprint.NewCanonicalizer()

	text := "vad blir vädret i stockholm idag"
	keyA := b.Build(fingerprint.Input{Text: text, Intent: "weather.lookup"})
	require.NoError(t, c.Store(ctx, keyA,
		entryFor("weather.lookup", "Soligt", canon.Tokens(text))))

	// Identical tokens under another intent namespace must miss.
	keyB := b.Build(fingerprint.Input{Text: text, Intent: "news.latest"})
	res := c.Lookup(ctx, keyB, canon.Tokens(text))
	assert.Equal(t, core.TierMiss, res.Tier)
}

func TestDissimilarTextMisses(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()
	canon := fingerprint.NewCanonicalizer()

	text := "vad blir vädret i stockholm idag"
	keyA := b.Build(fingerprint.Input{Text: text, Intent: "weather.lookup"})
	require.NoError(t, c.Store(ctx, keyA, entryFor("weather.lookup", "Soligt", canon.Tokens(text))))

	other := "regnar det i göteborg imorgon kanske"
	keyB := b.Build(fingerprint.Input{Text: other, Intent: "weather.lookup"})
	res := c.Lookup(ctx, keyB, canon.Tokens(other))
	assert.Equal(t, core.TierMiss, res.Tier)
}

func TestNegativeEntryReturnsL3(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()

	key := b.Build(fingerprint.Input{Text: "trasig begäran", Intent: "calendar.create"})
	require.NoError(t, c.StoreNegative(ctx, key, core.ErrClassSchema, 0))

	res := c.Lookup(ctx, key, nil)
	require.Equal(t, core.TierL3, res.Tier)
	assert.Equal(t, core.ErrClassSchema, res.Negative.Reason)
	// Default retry_after floor is 30s.
	assert.GreaterOrEqual(t, res.Negative.RetryAfterS, 30)
}

func TestStoreGuards(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()
	key := b.Build(fingerprint.Input{Text: "x", Intent: "time.now"})

	// HARD level bypasses storage.
	e := entryFor("time.now", "svar", nil)
	e.Level = cache.LevelHard
	assert.ErrorIs(t, c.Store(ctx, key, e), cache.ErrHardLevel)

	// schema_ok required.
	e = entryFor("time.now", "svar", nil)
	e.SchemaOK = false
	assert.ErrorIs(t, c.Store(ctx, key, e), cache.ErrSchemaNotOK)

	// Size bounds.
	e = entryFor("time.now", strings.Repeat("x", 128*1024+1), nil)
	assert.ErrorIs(t, c.Store(ctx, key, e), cache.ErrTooLarge)

	// Intent must match the key namespace.
	e = entryFor("weather.lookup", "svar", nil)
	assert.ErrorIs(t, c.Store(ctx, key, e), cache.ErrIntentMismatch)
}

func TestStoreMasksPIIInPayload(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()

	key := b.Build(fingerprint.Input{Text: "maila anna", Intent: "email.send"})
	e := entryFor("email.send", "Mailet skickades till anna.svensson@example.com", nil)
	e.Evidence = "pnr 850709-1234"
	require.NoError(t, c.Store(ctx, key, e))

	res := c.Lookup(ctx, key, nil)
	require.Equal(t, core.TierL1, res.Tier)
	assert.NotContains(t, res.Entry.Payload, "anna.svensson@example.com")
	assert.Contains(t, res.Entry.Payload, "[EMAIL]")
	assert.NotContains(t, res.Entry.Evidence, "850709")
	assert.Contains(t, res.Entry.Evidence, "[PNR]")
}

func TestInvalidateByIntent(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()
	canon := fingerprint.NewCanonicalizer()

	text := "vad blir vädret idag"
	key := b.Build(fingerprint.Input{Text: text, Intent: "weather.lookup"})
	require.NoError(t, c.Store(ctx, key, entryFor("weather.lookup", "Soligt", canon.Tokens(text))))

	other := b.Build(fingerprint.Input{Text: "hej", Intent: "greeting.hello"})
	require.NoError(t, c.Store(ctx, other, entryFor("greeting.hello", "Hej!", nil)))

	require.NoError(t, c.Invalidate(ctx, cache.InvalidateFilter{Intent: "weather.lookup"}))

	assert.Equal(t, core.TierMiss, c.Lookup(ctx, key, canon.Tokens(text)).Tier)
	assert.Equal(t, core.TierL1, c.Lookup(ctx, other, nil).Tier)
}

func TestInvalidateBySchemaVersion(t *testing.T) {
	c, _, b := newTestCache(t)
	ctx := context.Background()

	key := b.Build(fingerprint.Input{Text: "hej", Intent: "greeting.hello"})
	require.NoError(t, c.Store(ctx, key, entryFor("greeting.hello", "Hej!", nil)))

	cfg := config.Default().Cache
	require.NoError(t, c.Invalidate(ctx, cache.InvalidateFilter{SchemaVersion: cfg.SchemaVersion}))
	assert.Equal(t, core.TierMiss, c.Lookup(ctx, key, nil).Tier)
}

func TestExpiredEntryPrunedFromSemanticIndex(t *testing.T) {
	c, mr, b := newTestCache(t)
	ctx := context.Background()
	canon := fingerprint.NewCanonicalizer()

	text := "vad blir vädret i stockholm idag"
	key := b.Build(fingerprint.Input{Text: text, Intent: "weather.lookup"})
	require.NoError(t, c.Store(ctx, key, entryFor("weather.lookup", "Soligt", canon.Tokens(text))))

	// Expire the L1 entry; the index member becomes dangling.
	mr.FastForward(2 * time.Hour)

	res := c.Lookup(ctx, key, canon.Tokens(text))
	assert.Equal(t, core.TierMiss, res.Tier)
}

func TestSingleFlightSharesOneBuild(t *testing.T) {
	c, _, _ := newTestCache(t)

	var builds int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err, _ := c.DoBuild("same-key", func() (interface{}, error) {
				atomic.AddInt32(&builds, 1)
				time.Sleep(20 * time.Millisecond)
				return "svar", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "svar", v)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}
