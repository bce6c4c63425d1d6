package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPII_Email(t *testing.T) {
	out, changed := MaskPII("maila mig på kalle.svensson@example.se tack")
	assert.True(t, changed)
	assert.Equal(t, "maila mig på [EMAIL] tack", out)
}

func TestMaskPII_Personnummer(t *testing.T) {
	out, changed := MaskPII("mitt personnummer är 850709-1234")
	assert.True(t, changed)
	assert.Contains(t, out, "[PNR]")
	assert.NotContains(t, out, "850709")

	out, _ = MaskPII("pnr 19850709-1234 slut")
	assert.Contains(t, out, "[PNR]")
}

func TestMaskPII_Phone(t *testing.T) {
	for _, input := range []string{
		"ring +46 70 123 45 67 ikväll",
		"ring 070-123 45 67 ikväll",
	} {
		out, changed := MaskPII(input)
		assert.True(t, changed, input)
		assert.Contains(t, out, "[PHONE]")
		assert.NotContains(t, out, "123 45 67")
	}
}

func TestMaskPII_FullName(t *testing.T) {
	out, changed := MaskPII("boka möte med Anna Åkesson imorgon")
	assert.True(t, changed)
	assert.Contains(t, out, "[NAME]")
	assert.NotContains(t, out, "Åkesson")
}

func TestMaskPII_CleanTextUntouched(t *testing.T) {
	out, changed := MaskPII("vad är klockan just nu")
	assert.False(t, changed)
	assert.Equal(t, "vad är klockan just nu", out)
}

func TestMaskPII_Deterministic(t *testing.T) {
	in := "Anna Åkesson ringer 070-123 45 67 och mailar anna@x.se"
	a, _ := MaskPII(in)
	b, _ := MaskPII(in)
	assert.Equal(t, a, b)
}
