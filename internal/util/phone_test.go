package util

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567": "+15551234567",
		"15551234567":       "+15551234567",
		"  +49 170 1234 ":   "+491701234",
		"":                  "",
		"no digits":         "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsPhoneHandle(t *testing.T) {
	yes := []string{"+15551234567", "555-123-4567", "(555) 12345"}
	no := []string{"", "group.abc123", "aGVsbG8=", "https://signal.group/#abc", "12"}
	for _, s := range yes {
		if !IsPhoneHandle(s) {
			t.Fatalf("expected phone: %q", s)
		}
	}
	for _, s := range no {
		if IsPhoneHandle(s) {
			t.Fatalf("expected non-phone: %q", s)
		}
	}
}
