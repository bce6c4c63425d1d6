package telemetry

import "regexp"

// Deterministic PII masking. The same input always yields the same output,
// so masked text remains usable as a stable telemetry payload.
//
// Order matters: personnummer before phone, since a personnummer is also a
// plausible digit run.
var (
	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// Swedish personnummer: YYMMDD-XXXX or YYYYMMDD-XXXX, separator - or +.
	rePersonnummer = regexp.MustCompile(`\b(?:\d{8}|\d{6})[-+]?\d{4}\b`)

	// Swedish phone formats: +46..., 07x-xxx xx xx, 08-123 45 67.
	rePhone = regexp.MustCompile(`(?:\+46|0)[\s\-]?\d(?:[\s\-]?\d){6,9}`)

	// Two consecutive capitalized words, Swedish letters included. High
	// recall over precision: masking a non-name is acceptable, leaking a
	// name is not.
	reFullName = regexp.MustCompile(`\b[A-ZÅÄÖ][a-zåäöé]+ [A-ZÅÄÖ][a-zåäöé]+\b`)
)

// MaskPII redacts emails, personnummer, phone numbers and full names.
// Returns the masked text and whether anything was modified.
func MaskPII(text string) (string, bool) {
	masked := text
	masked = reEmail.ReplaceAllString(masked, "[EMAIL]")
	masked = rePersonnummer.ReplaceAllString(masked, "[PNR]")
	masked = rePhone.ReplaceAllString(masked, "[PHONE]")
	masked = reFullName.ReplaceAllString(masked, "[NAME]")
	return masked, masked != text
}
