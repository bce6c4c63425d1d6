package orchestrator

import "github.com/alicelabs/orchestrator/internal/core"

// TurnError carries the error class and the user-facing Swedish message for
// a turn that could not be served normally.
type TurnError struct {
	Class      core.ErrorClass
	Message    string
	RetryAfter int // seconds, 0 when not applicable
}

func (e *TurnError) Error() string { return string(e.Class) + ": " + e.Message }

// User-facing degradation messages. The assistant never exposes internal
// state names; it says it is busy, in plain Swedish.
const (
	msgOverloaded   = "Jag är lite överbelastad just nu. Försök igen om en liten stund."
	msgBusy         = "Jag har fullt upp just nu, prova igen strax."
	msgKnownFailure = "Det där gick inte förra gången heller. Vänta en stund innan du försöker igen."
	msgUnavailable  = "Jag kan tyvärr inte svara på det just nu."
)

// rejectionMessages keys user-facing text by the guardian reason, so
// distinct rejection causes keep distinct phrasing. Unknown reasons fall
// back to the overload message.
var rejectionMessages = map[string]string{
	"brownout":  msgOverloaded,
	"emergency": msgOverloaded,
	"lockdown":  msgUnavailable,
}

func rejected(reason string, retryAfter int) *TurnError {
	msg := msgOverloaded
	if m, ok := rejectionMessages[reason]; ok {
		msg = m
	}
	return &TurnError{Class: core.ErrClassGuardianReject, Message: msg, RetryAfter: retryAfter}
}

func quotaExhausted() *TurnError {
	return &TurnError{Class: core.ErrClassRateLimited, Message: msgBusy, RetryAfter: 5}
}

func negativeHit(retryAfter int) *TurnError {
	return &TurnError{Class: core.ErrClassValidation, Message: msgKnownFailure, RetryAfter: retryAfter}
}

func backendFailed() *TurnError {
	return &TurnError{Class: core.ErrClassBackend5xx, Message: msgUnavailable}
}
