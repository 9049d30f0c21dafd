package policy

import (
	"strings"
	"testing"

	"github.com/ent0n29/gallery/internal/interaction"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIISecrets(t *testing.T) {
	out, changed := RedactPII("my key is sk-abcdefghijklmnopqrstuv ok")
	if !changed || !strings.Contains(out, "[REDACTED_SECRET]") {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
	if _, changed := RedactPII("nothing to see here"); changed {
		t.Fatalf("changed = true for clean text")
	}
}

func TestRedactInteraction(t *testing.T) {
	in := interaction.Interaction{
		ID:              7,
		RequestText:     "mail sam@example.com",
		RequestImageRef: "file:///home/sam/passport.jpg",
		ResponseText:    "Sure, sam@example.com",
	}
	out := RedactInteraction(in)
	if strings.Contains(out.RequestText, "sam@") || strings.Contains(out.ResponseText, "sam@") {
		t.Fatalf("email not redacted: %+v", out)
	}
	if out.RequestImageRef != redactedImage {
		t.Fatalf("RequestImageRef = %q", out.RequestImageRef)
	}
	if in.RequestText != "mail sam@example.com" {
		t.Fatalf("input mutated")
	}
	if out.ID != 7 {
		t.Fatalf("ID = %d, want 7", out.ID)
	}
}
