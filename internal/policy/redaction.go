package policy

import (
	"regexp"

	"github.com/ent0n29/gallery/internal/interaction"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)
)

const redactedImage = "[REDACTED_IMAGE]"

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := secretPattern.ReplaceAllString(out, "[REDACTED_SECRET]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, or long card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactPII without the change flag, for log fields.
func Redact(input string) string {
	out, _ := RedactPII(input)
	return out
}

// RedactInteraction returns a copy of it with request and response text
// masked. Image references are replaced since local URIs leak file names.
func RedactInteraction(it interaction.Interaction) interaction.Interaction {
	it.RequestText = Redact(it.RequestText)
	it.ResponseText = Redact(it.ResponseText)
	it.ErrorDetail = Redact(it.ErrorDetail)
	if it.RequestImageRef != "" {
		it.RequestImageRef = redactedImage
	}
	return it
}
