package planner

import (
	"regexp"
	"strconv"

	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/fingerprint"
)

// The argument builder runs when planner_args_from_model is false: the model
// chooses the tool, the arguments come from NLU slots and the canonicalized
// text. Model-provided args are discarded wholesale rather than merged.

var reISOLocal = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})t(\d{2}):(\d{2})\b`)

// ArgBuilder derives tool arguments deterministically from the intent result
// and the canonicalized utterance.
type ArgBuilder struct {
	canon *fingerprint.Canonicalizer
}

func NewArgBuilder(canon *fingerprint.Canonicalizer) *ArgBuilder {
	return &ArgBuilder{canon: canon}
}

// Build returns the argument map for the given tool. Unknown intents yield
// just the slots that match the tool's schema.
func (ab *ArgBuilder) Build(tool *ToolSpec, intent core.IntentResult, text string) map[string]string {
	args := make(map[string]string)

	// NLU slots transfer only where the tool schema knows the key.
	for k, v := range intent.Slots {
		if tool.knownArg(k) {
			args[k] = v
		}
	}

	switch intent.Intent {
	case "calendar.create":
		if tool.knownArg("when") {
			if when, ok := ab.whenFromText(text); ok {
				args["when"] = when
			}
		}
	case "weather.lookup":
		if tool.knownArg("city") {
			if _, ok := args["city"]; !ok {
				args["city"] = "Stockholm"
			}
		}
	case "news.latest":
		if tool.knownArg("limit") {
			if _, ok := args["limit"]; !ok {
				args["limit"] = "5"
			}
		}
	}
	return args
}

// whenFromText extracts the event datetime from the canonicalized text.
// "boka möte imorgon kl 14" normalizes to an ISO local token; the builder
// re-emits it with the uppercase separator the tool contract uses.
func (ab *ArgBuilder) whenFromText(text string) (string, bool) {
	norm := ab.canon.Normalize(text)
	m := reISOLocal.FindStringSubmatch(norm)
	if m == nil {
		return "", false
	}
	hour, _ := strconv.Atoi(m[2])
	minute, _ := strconv.Atoi(m[3])
	if hour > 23 || minute > 59 {
		return "", false
	}
	return m[1] + "T" + m[2] + ":" + m[3], true
}
