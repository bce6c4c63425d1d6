package nlu

import (
	"regexp"

	"github.com/alicelabs/orchestrator/internal/core"
)

// The intent guard short-circuits the NLU call for high-precision Swedish
// patterns. Precision over recall: a pattern only belongs here if a match is
// near-certain, because the guard's verdict skips the classifier entirely.

type guardPattern struct {
	re         *regexp.Regexp
	intent     string
	confidence float64
	routeHint  string
	slots      func(text string) map[string]string
}

var reMedName = regexp.MustCompile(`(?i)\bmed\s+(\p{L}+)`)

var guardPatterns = []guardPattern{
	{
		re:         regexp.MustCompile(`(?i)^\s*(hej|hallå|tjena|god\s*(morgon|kväll|dag))\b`),
		intent:     "greeting.hello",
		confidence: 0.98,
		routeHint:  "MICRO",
	},
	{
		re:         regexp.MustCompile(`(?i)\bvad\s+är\s+klockan\b|\bhur\s+mycket\s+är\s+klockan\b`),
		intent:     "time.now",
		confidence: 0.97,
		routeHint:  "MICRO",
	},
	{
		re:         regexp.MustCompile(`(?i)\b(vädret|väder|regnar|snöar|soligt)\b`),
		intent:     "weather.lookup",
		confidence: 0.93,
		routeHint:  "MICRO",
	},
	{
		re:         regexp.MustCompile(`(?i)\b(maila|mejla|skicka\s+(ett\s+)?(mail|mejl|e-post))\b`),
		intent:     "email.send",
		confidence: 0.92,
		routeHint:  "PLANNER",
	},
	{
		re:         regexp.MustCompile(`(?i)\b(boka|lägg\s+in|skapa)\b.*\b(möte|träff|lunch|kalender)\b`),
		intent:     "calendar.create",
		confidence: 0.92,
		routeHint:  "PLANNER",
		slots: func(text string) map[string]string {
			if m := reMedName.FindStringSubmatch(text); m != nil {
				return map[string]string{"with": m[1]}
			}
			return nil
		},
	},
	{
		re:         regexp.MustCompile(`(?i)\b(nyheter(na)?|senaste\s+nytt)\b`),
		intent:     "news.latest",
		confidence: 0.90,
		routeHint:  "MICRO",
	},
}

// Guard matches deterministic Swedish intent patterns.
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// Match returns a guard-provided intent when a high-precision pattern fires.
// The input is never modified.
func (g *Guard) Match(text string) (core.IntentResult, bool) {
	for _, p := range guardPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		res := core.IntentResult{
			Intent:     p.intent,
			Confidence: p.confidence,
			RouteHint:  p.routeHint,
			Source:     "guard",
		}
		if p.slots != nil {
			res.Slots = p.slots(text)
		}
		return res, true
	}
	return core.IntentResult{}, false
}
