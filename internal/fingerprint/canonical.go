// Package fingerprint turns a user turn into a deterministic cache key.
// The canonicalizer is idempotent: Normalize(Normalize(x)) == Normalize(x).
package fingerprint

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// synonyms is the closed Swedish substitution set, applied token-wise after
// punctuation stripping.
var synonyms = map[string]string{
	"kl":      "klockan",
	"imorn":   "imorgon",
	"imorrn":  "imorgon",
	"imoron":  "imorgon",
	"&":       "och",
	"tel":     "telefon",
	"mobilnr": "mobilnummer",
}

// Punctuation that never carries meaning for intent or slots. Colons and
// hyphens survive because normalized datetimes contain them.
var rePunct = regexp.MustCompile(`[.,!?;"'()\[\]{}…*]+`)

var reSpace = regexp.MustCompile(`\s+`)

// Relative day + clock time, e.g. "imorgon 14", "idag klockan 9:30".
var reRelTime = regexp.MustCompile(`\b(imorgon|idag)\b(?:\s+klockan)?\s+(\d{1,2})(?::(\d{2}))?\b`)

// Canonicalizer normalizes Swedish text deterministically. The clock is
// injectable so fingerprints are reproducible in tests.
type Canonicalizer struct {
	loc *time.Location
	now func() time.Time
}

func NewCanonicalizer() *Canonicalizer {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		loc = time.FixedZone("CET", 1*60*60)
	}
	return &Canonicalizer{loc: loc, now: time.Now}
}

// WithClock returns a copy using the given clock.
func (c *Canonicalizer) WithClock(now func() time.Time) *Canonicalizer {
	return &Canonicalizer{loc: c.loc, now: now}
}

// Normalize applies the deterministic canonicalization steps in order:
// lowercase, punctuation strip, whitespace collapse, synonym substitution,
// relative-datetime normalization.
func (c *Canonicalizer) Normalize(text string) string {
	s := strings.ToLower(text)
	s = rePunct.ReplaceAllString(s, " ")
	s = reSpace.ReplaceAllString(strings.TrimSpace(s), " ")

	tokens := strings.Split(s, " ")
	for i, tok := range tokens {
		if rep, ok := synonyms[tok]; ok {
			tokens[i] = rep
		}
	}
	s = strings.Join(tokens, " ")

	return c.normalizeRelTimes(s)
}

// normalizeRelTimes rewrites "imorgon 14" style phrases into an ISO local
// datetime in Europe/Stockholm, rounded to 5 minutes. The lowercase 't'
// separator keeps the result stable under a second Normalize pass.
func (c *Canonicalizer) normalizeRelTimes(s string) string {
	return reRelTime.ReplaceAllStringFunc(s, func(m string) string {
		parts := reRelTime.FindStringSubmatch(m)
		day, hourStr, minStr := parts[1], parts[2], parts[3]

		hour, err := strconv.Atoi(hourStr)
		if err != nil || hour > 23 {
			return m
		}
		minute := 0
		if minStr != "" {
			minute, _ = strconv.Atoi(minStr)
			if minute > 59 {
				return m
			}
		}
		minute = roundTo5(minute)
		if minute == 60 {
			minute = 0
			hour = (hour + 1) % 24
		}

		base := c.now().In(c.loc)
		if day == "imorgon" {
			base = base.AddDate(0, 0, 1)
		}
		return fmt.Sprintf("%04d-%02d-%02dt%02d:%02d",
			base.Year(), base.Month(), base.Day(), hour, minute)
	})
}

func roundTo5(m int) int {
	return ((m + 2) / 5) * 5
}

// Tokens returns the canonical token multiset used by the semantic tier.
func (c *Canonicalizer) Tokens(text string) []string {
	norm := c.Normalize(text)
	if norm == "" {
		return nil
	}
	return strings.Split(norm, " ")
}

// TimeBucket returns the 5-minute bucket label for time-sensitive intents.
func (c *Canonicalizer) TimeBucket() string {
	return c.now().In(c.loc).Truncate(5 * time.Minute).Format("200601021504")
}
