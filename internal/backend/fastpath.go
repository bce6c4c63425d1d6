package backend

import (
	"fmt"
	"time"

	"github.com/alicelabs/orchestrator/internal/core"
)

// FastPath answers guard-grade intents without touching any model. These are
// the replies the micro arm would produce anyway, minus the inference cost,
// so they stay available even with every backend breaker open.
type FastPath struct {
	loc *time.Location
	now func() time.Time
}

func NewFastPath() *FastPath {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		loc = time.FixedZone("CET", 1*60*60)
	}
	return &FastPath{loc: loc, now: time.Now}
}

// WithClock returns a copy using the given clock.
func (f *FastPath) WithClock(now func() time.Time) *FastPath {
	return &FastPath{loc: f.loc, now: now}
}

// Answer returns a deterministic reply when the intent has one.
func (f *FastPath) Answer(intent core.IntentResult) (string, bool) {
	switch intent.Intent {
	case "greeting.hello":
		return "Hej! Vad kan jag hjälpa dig med?", true
	case "time.now":
		t := f.now().In(f.loc)
		return fmt.Sprintf("Klockan är %02d:%02d.", t.Hour(), t.Minute()), true
	}
	return "", false
}
