package shared

import (
	"strings"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	in := "deliver to warehouse 4, ask for ops@acmesigns.example"
	out := Redact(in)
	if strings.Contains(out, "acmesigns.example") {
		t.Fatalf("email survived redaction: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected placeholder in %q", out)
	}
}

func TestRedactLabeledPhone(t *testing.T) {
	in := "Villa 12, Al Wasl Rd, phone: 050-1234567"
	out := Redact(in)
	if strings.Contains(out, "1234567") {
		t.Fatalf("phone survived redaction: %q", out)
	}
	if !strings.Contains(out, "phone: [REDACTED]") {
		t.Fatalf("expected labeled placeholder in %q", out)
	}
}

func TestRedactLeavesPlainAddresses(t *testing.T) {
	in := "Unit 7, Industrial Area 3"
	if out := Redact(in); out != in {
		t.Fatalf("plain address mutated: %q", out)
	}
}

func TestIsContactKey(t *testing.T) {
	cases := map[string]bool{
		"delivery_address": true,
		"client_phone":     true,
		"Email":            true,
		"status":           false,
		"":                 false,
	}
	for key, want := range cases {
		if got := IsContactKey(key); got != want {
			t.Errorf("IsContactKey(%q) = %v, want %v", key, got, want)
		}
	}
}
