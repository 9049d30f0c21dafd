package policy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/gallery/internal/interaction"
)

const DefaultMaxPromptRunes = 8000

var ErrEmptyRequest = errors.New("request needs text or an image")

var allowedImageSchemes = map[string]bool{
	"file":    true,
	"content": true,
	"http":    true,
	"https":   true,
	"data":    true,
}

// CheckRequest decides whether a chat request may be handed to the engine.
// Text is trimmed; the returned request is the one to submit.
func CheckRequest(req interaction.Request, maxRunes int) (interaction.Request, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxPromptRunes
	}
	req.Text = strings.TrimSpace(req.Text)
	req.ImageRef = strings.TrimSpace(req.ImageRef)
	if req.Text == "" && req.ImageRef == "" {
		return req, ErrEmptyRequest
	}
	if n := utf8.RuneCountInString(req.Text); n > maxRunes {
		return req, fmt.Errorf("prompt is %d characters, limit is %d", n, maxRunes)
	}
	if req.ImageRef != "" {
		u, err := url.Parse(req.ImageRef)
		if err != nil || u.Scheme == "" {
			return req, fmt.Errorf("image_ref must be a URI: %q", req.ImageRef)
		}
		if !allowedImageSchemes[strings.ToLower(u.Scheme)] {
			return req, fmt.Errorf("image_ref scheme %q is not supported", u.Scheme)
		}
	}
	return req, nil
}
