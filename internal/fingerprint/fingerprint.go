package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Input enumerates every field that uniquely determines a response. Any
// semantic change to one of them must change the key.
type Input struct {
	Text         string
	Intent       string
	ContextFacts []string
	Locale       string
	PersonaMode  string
	SafetyMode   string
	ModelID      string

	// TimeBucket is set only for time-sensitive intents.
	TimeBucket string
}

// Key is a namespaced cache key. The namespace encodes schema and deps
// versions, so a version bump makes all prior entries unreachable without
// touching them.
type Key struct {
	Namespace string // "fp:<schema>:<deps>:<intent>"
	Hash      string // 16 hex chars of the canonical-field hash
}

// String renders the full backing-store key.
func (k Key) String() string {
	return k.Namespace + ":" + k.Hash
}

// Namespace builds the version-scoped prefix for an intent.
func Namespace(schemaVersion, depsVersion, intent string) string {
	return "fp:" + schemaVersion + ":" + depsVersion + ":" + intent
}

// Builder produces fingerprints over canonicalized input.
type Builder struct {
	canon         *Canonicalizer
	schemaVersion string
	depsVersion   string
}

func NewBuilder(canon *Canonicalizer, schemaVersion, depsVersion string) *Builder {
	return &Builder{canon: canon, schemaVersion: schemaVersion, depsVersion: depsVersion}
}

// Build canonicalizes the text, sorts and dedupes the context facts, and
// hashes all fields in a fixed order with an unambiguous separator.
func (b *Builder) Build(in Input) Key {
	normText := b.canon.Normalize(in.Text)
	facts := sortDedupe(in.ContextFacts)

	h := sha256.New()
	for _, field := range []string{
		normText,
		in.Intent,
		strings.Join(facts, "\x1e"),
		b.schemaVersion,
		b.depsVersion,
		in.Locale,
		in.PersonaMode,
		in.TimeBucket,
		in.SafetyMode,
		in.ModelID,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0x1f})
	}

	return Key{
		Namespace: Namespace(b.schemaVersion, b.depsVersion, in.Intent),
		Hash:      hex.EncodeToString(h.Sum(nil))[:16],
	}
}

func sortDedupe(facts []string) []string {
	if len(facts) == 0 {
		return nil
	}
	out := make([]string, len(facts))
	copy(out, facts)
	sort.Strings(out)

	kept := out[:0]
	var prev string
	for i, f := range out {
		if i == 0 || f != prev {
			kept = append(kept, f)
		}
		prev = f
	}
	return kept
}
