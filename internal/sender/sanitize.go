package sender

import (
	"net/mail"
	"regexp"
	"strings"
)

// sanitizeAddress validates and normalizes an email address.
// Returns "" when the address is unusable after sanitization.
func sanitizeAddress(raw string) string {
	s := stripControl(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return ""
	}
	return addr.Address
}

// sanitizeHeader strips CR/LF and other control characters so user-supplied
// subjects can't smuggle extra SMTP headers.
func sanitizeHeader(s string) string {
	return stripControl(strings.TrimSpace(s))
}

var scriptRe = regexp.MustCompile(`(?is)<script\b.*?</script\s*>|<script\b[^>]*/?>`)

// sanitizeHTML removes script blocks and null bytes from an HTML body.
// The HR frontend already escapes user content; this is the transport-side
// backstop, not a full HTML sanitizer.
func sanitizeHTML(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return scriptRe.ReplaceAllString(s, "")
}

func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\r' || r == '\n' || r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
