// Package cache implements the multi-tier response cache: L1 exact by
// fingerprint, L2 semantic within an intent namespace, L3 negative for
// deterministic failures. All mutation for one fingerprint goes through a
// keyed single-flight group.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
	"github.com/alicelabs/orchestrator/internal/telemetry"
)

const (
	maxPayloadBytes  = 128 * 1024
	maxEvidenceBytes = 64 * 1024
)

// Level classifies how cacheable a response is.
type Level string

const (
	LevelEasy   Level = "EASY"
	LevelMedium Level = "MEDIUM"
	LevelHard   Level = "HARD" // never written to L1/L2

	// LevelTimeBound stores normally but with the shortest TTL, for answers
	// whose fingerprint already carries a time bucket.
	LevelTimeBound Level = "TIME_BOUND"
)

var (
	ErrTooLarge       = errors.New("cache: entry exceeds size bounds")
	ErrIntentMismatch = errors.New("cache: entry intent does not match key namespace")
	ErrSchemaNotOK    = errors.New("cache: entry failed schema validation")
	ErrHardLevel      = errors.New("cache: HARD level bypasses storage")
)

// Entry is one cached response.
type Entry struct {
	Intent    string    `json:"intent"`
	Route     string    `json:"route"`
	Payload   string    `json:"payload"`
	Evidence  string    `json:"evidence,omitempty"`
	Level     Level     `json:"level"`
	SchemaOK  bool      `json:"schema_ok"`
	CreatedAt time.Time `json:"created_at"`
	Tokens    []string  `json:"tokens,omitempty"`
}

// NegativeEntry is an L3 record for a deterministic failure.
type NegativeEntry struct {
	FirstSeen   time.Time       `json:"first_seen"`
	RetryAfterS int             `json:"retry_after_s"`
	Reason      core.ErrorClass `json:"reason"`
}

// Result is a lookup outcome.
type Result struct {
	Tier     core.CacheTier
	Entry    *Entry
	Negative *NegativeEntry
	// Similarity is set for L2 hits.
	Similarity float64
}

// Cache wires the three tiers over one backing store.
type Cache struct {
	store        Store
	cfg          config.CacheConfig
	simThreshold float64
	logger       *log.Logger

	sf singleflight.Group
}

func New(store Store, cfg config.CacheConfig) *Cache {
	return &Cache{
		store:        store,
		cfg:          cfg,
		simThreshold: cfg.SimThreshold,
		logger:       log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

func negKey(key fingerprint.Key) string { return "neg:" + key.String() }

// Lookup runs L1 → L2 → L3 and returns the first hit, or TierMiss.
// Backing-store errors degrade to a miss: a cache failure never fails the
// turn.
func (c *Cache) Lookup(ctx context.Context, key fingerprint.Key, tokens []string) Result {
	// L1 exact
	raw, err := c.store.Get(ctx, key.String())
	if err == nil {
		if e := decodeEntry(raw); e != nil {
			return Result{Tier: core.TierL1, Entry: e}
		}
	} else if !errors.Is(err, ErrNotFound) {
		c.logger.Printf("⚠️ L1 get degraded to miss: %v", err)
		return Result{Tier: core.TierBypass}
	}

	// L2 semantic, same intent namespace only
	if res, ok := c.lookupSemantic(ctx, key, tokens); ok {
		return res
	}

	// L3 negative
	raw, err = c.store.Get(ctx, negKey(key))
	if err == nil {
		var neg NegativeEntry
		if json.Unmarshal(raw, &neg) == nil {
			return Result{Tier: core.TierL3, Negative: &neg}
		}
	}

	return Result{Tier: core.TierMiss}
}

func (c *Cache) lookupSemantic(ctx context.Context, key fingerprint.Key, tokens []string) (Result, bool) {
	if len(tokens) == 0 {
		return Result{}, false
	}
	cands, err := c.semanticCandidates(ctx, key.Namespace, tokens)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Printf("⚠️ L2 index read failed: %v", err)
		}
		return Result{}, false
	}

	for _, cand := range cands {
		raw, err := c.store.Get(ctx, key.Namespace+":"+cand.hash)
		if err != nil {
			// Entry expired under the index member. Prune and continue.
			c.store.SRem(ctx, indexKey(key.Namespace), cand.member)
			continue
		}
		e := decodeEntry(raw)
		if e == nil {
			continue
		}
		// The namespace already isolates intent; the entry-level check is
		// the invariant's second lock.
		if !keyMatchesIntent(key, e.Intent) {
			continue
		}
		return Result{Tier: core.TierL2, Entry: e, Similarity: cand.score}, true
	}
	return Result{}, false
}

// Store writes an entry at L1 and registers it in the L2 index, enforcing
// the size, intent, schema and level guards and masking PII in the payload.
func (c *Cache) Store(ctx context.Context, key fingerprint.Key, e *Entry) error {
	if e.Level == LevelHard {
		return ErrHardLevel
	}
	if !e.SchemaOK {
		return ErrSchemaNotOK
	}
	if len(e.Payload) > maxPayloadBytes || len(e.Evidence) > maxEvidenceBytes {
		return ErrTooLarge
	}
	if !keyMatchesIntent(key, e.Intent) {
		return ErrIntentMismatch
	}

	// PII never reaches the backing store: a cached entry replays to other
	// sessions.
	if masked, changed := telemetry.MaskPII(e.Payload); changed {
		e.Payload = masked
	}
	if masked, changed := telemetry.MaskPII(e.Evidence); changed {
		e.Evidence = masked
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	ttl := c.ttlFor(e.Level)
	if err := c.store.Set(ctx, key.String(), raw, ttl); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}

	if len(e.Tokens) > 0 {
		if err := c.store.SAdd(ctx, indexKey(key.Namespace), indexMember(key.Hash, e.Tokens)); err != nil {
			c.logger.Printf("⚠️ L2 index write failed for %s: %v", key.String(), err)
		}
	}
	return nil
}

// StoreNegative writes an L3 record. Callers must only do this for
// deterministic error classes.
func (c *Cache) StoreNegative(ctx context.Context, key fingerprint.Key, reason core.ErrorClass, retryAfter time.Duration) error {
	if retryAfter < c.cfg.NegativeTTL {
		retryAfter = c.cfg.NegativeTTL
	}
	neg := NegativeEntry{
		FirstSeen:   time.Now(),
		RetryAfterS: int(retryAfter.Seconds()),
		Reason:      reason,
	}
	raw, _ := json.Marshal(neg)
	return c.store.Set(ctx, negKey(key), raw, retryAfter)
}

// InvalidateFilter selects entries to drop. Exactly one field should be set.
type InvalidateFilter struct {
	Intent        string `json:"intent,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
	DepsVersion   string `json:"deps_version,omitempty"`
}

// Invalidate pattern-deletes entries and their index sets.
func (c *Cache) Invalidate(ctx context.Context, f InvalidateFilter) error {
	var patterns []string
	switch {
	case f.Intent != "":
		ns := fingerprint.Namespace(c.cfg.SchemaVersion, c.cfg.DepsVersion, f.Intent)
		patterns = []string{ns + ":*", indexKey(ns), "neg:" + ns + ":*"}
	case f.SchemaVersion != "":
		patterns = []string{
			"fp:" + f.SchemaVersion + ":*",
			"idx:fp:" + f.SchemaVersion + ":*",
			"neg:fp:" + f.SchemaVersion + ":*",
		}
	case f.DepsVersion != "":
		patterns = []string{
			"fp:*:" + f.DepsVersion + ":*",
			"idx:fp:*:" + f.DepsVersion + ":*",
			"neg:fp:*:" + f.DepsVersion + ":*",
		}
	default:
		return fmt.Errorf("invalidate: empty filter")
	}

	for _, p := range patterns {
		if err := c.store.DeletePattern(ctx, p); err != nil {
			return fmt.Errorf("invalidate %q: %w", p, err)
		}
	}
	c.logger.Printf("🧹 invalidated %v", patterns)
	return nil
}

// DoBuild runs fn under keyed single-flight: concurrent callers for the same
// fingerprint share one execution. shared reports whether this caller
// attached to another caller's build.
func (c *Cache) DoBuild(key string, fn func() (interface{}, error)) (v interface{}, err error, shared bool) {
	return c.sf.Do(key, fn)
}

// TTLFor exposes the level TTL (the orchestrator caps time-sensitive intents
// to the HARD TTL so an entry never outlives its time bucket).
func (c *Cache) ttlFor(level Level) time.Duration {
	switch level {
	case LevelEasy:
		return c.cfg.TTLEasy
	case LevelMedium:
		return c.cfg.TTLMedium
	default:
		return c.cfg.TTLHard
	}
}

func decodeEntry(raw []byte) *Entry {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	return &e
}

// keyMatchesIntent checks that the entry's intent equals the intent segment
// of the key namespace ("fp:<schema>:<deps>:<intent>").
func keyMatchesIntent(key fingerprint.Key, intent string) bool {
	parts := strings.SplitN(key.Namespace, ":", 4)
	return len(parts) == 4 && parts[3] == intent
}
