package sender

import (
	"strings"
	"testing"
)

func TestSanitizeAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain address", in: "user@example.com", want: "user@example.com"},
		{name: "surrounding whitespace", in: "  user@example.com ", want: "user@example.com"},
		{name: "display name stripped", in: "Jane Doe <jane@example.com>", want: "jane@example.com"},
		{name: "crlf injection", in: "user@example.com\r\nBcc: evil@example.com", want: ""},
		{name: "empty", in: "", want: ""},
		{name: "not an address", in: "not-an-address", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeAddress(tt.in); got != tt.want {
				t.Fatalf("sanitizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeHeaderStripsControlChars(t *testing.T) {
	t.Parallel()
	got := sanitizeHeader("Payday\r\nX-Injected: yes\x00")
	if strings.ContainsAny(got, "\r\n\x00") {
		t.Fatalf("control characters survived: %q", got)
	}
	if got != "PaydayX-Injected: yes" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeHTMLRemovesScripts(t *testing.T) {
	t.Parallel()
	in := `<p>hello</p><script type="text/javascript">alert(1)</script><b>bye</b><SCRIPT src="x.js"/>`
	got := sanitizeHTML(in)
	if strings.Contains(strings.ToLower(got), "<script") {
		t.Fatalf("script survived: %q", got)
	}
	if !strings.Contains(got, "<p>hello</p>") || !strings.Contains(got, "<b>bye</b>") {
		t.Fatalf("legitimate markup removed: %q", got)
	}
}
