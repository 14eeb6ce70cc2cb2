package pii

import (
	"strings"
	"testing"
)

func TestScan_DetectsInjectedPatterns(t *testing.T) {
	s := NewScanner()

	tests := []struct {
		name     string
		text     string
		category Category
		want     string
	}{
		{"email", "reach me at jane.doe@example.co.uk please", CategoryContact, "jane.doe@example.co.uk"},
		{"phone", "call 020 7946 0123 tomorrow", CategoryContact, "020 7946 0123"},
		{"postcode", "they moved to SW1A 1AA last year", CategoryAddress, "SW1A 1AA"},
		{"street", "lives at 42 Acacia Avenue with family", CategoryAddress, "42 Acacia Avenue"},
		{"ni number", "their NI is AB 12 34 56 C apparently", CategoryNationalID, "AB 12 34 56 C"},
		{"card number", "card 4111 1111 1111 1111 on file", CategoryFinancial, "4111 1111 1111 1111"},
		{"sort code", "sort code 12-34-56 for the refund", CategoryFinancial, "12-34-56"},
		{"honorific name", "spoke with Mrs Patel yesterday", CategoryName, "Mrs Patel"},
		{"self intro", "My name is Jane Smith, order #123 is late", CategoryName, "Jane Smith"},
		{"client intro", "my client John Davies has rent arrears", CategoryName, "John Davies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := s.Scan(tt.text)
			if len(findings) == 0 {
				t.Fatalf("Scan(%q) found nothing", tt.text)
			}

			found := false
			for _, f := range findings {
				if f.Category == tt.category && tt.text[f.Start:f.End] == tt.want {
					found = true
					if f.Confidence <= 0 || f.Confidence > 1 {
						t.Errorf("confidence %v out of range", f.Confidence)
					}
				}
			}
			if !found {
				t.Errorf("Scan(%q) = %+v, want %s span %q", tt.text, findings, tt.category, tt.want)
			}
		})
	}
}

func TestScan_CardNumberExcludesTrailingSeparator(t *testing.T) {
	s := NewScanner()
	text := "card 1234 5678 9012 345- thanks"

	var found bool
	for _, f := range s.Scan(text) {
		if f.Category != CategoryFinancial {
			continue
		}
		found = true
		if got := text[f.Start:f.End]; got != "1234 5678 9012 345" {
			t.Errorf("span = %q, want %q", got, "1234 5678 9012 345")
		}
	}
	if !found {
		t.Fatal("card number not detected")
	}
}

func TestScan_CleanTextReturnsNothing(t *testing.T) {
	s := NewScanner()
	for _, text := range []string{
		"What are your opening hours?",
		"can my landlord raise the rent mid tenancy",
		"",
	} {
		if findings := s.Scan(text); len(findings) != 0 {
			t.Errorf("Scan(%q) = %+v, want none", text, findings)
		}
	}
}

func TestScan_Deterministic(t *testing.T) {
	s := NewScanner()
	text := "My name is Jane Smith, email jane@example.com, postcode SW1A 1AA"

	first := s.Scan(text)
	for range 5 {
		again := s.Scan(text)
		if len(again) != len(first) {
			t.Fatalf("scan count changed: %d vs %d", len(again), len(first))
		}
		for i := range first {
			if again[i] != first[i] {
				t.Fatalf("finding %d changed: %+v vs %+v", i, again[i], first[i])
			}
		}
	}
}

func TestRedact_PreservesNonFlaggedText(t *testing.T) {
	s := NewScanner()
	text := "My name is Jane Smith, order #123 is late"

	findings := s.Scan(text)
	redacted := Redact(text, findings)

	if strings.Contains(redacted, "Jane Smith") {
		t.Errorf("Redact left name in place: %q", redacted)
	}
	if !strings.Contains(redacted, "[NAME]") {
		t.Errorf("Redact missing placeholder: %q", redacted)
	}
	if !strings.HasPrefix(redacted, "My name is ") {
		t.Errorf("prefix not preserved: %q", redacted)
	}
	if !strings.HasSuffix(redacted, ", order #123 is late") {
		t.Errorf("suffix not preserved: %q", redacted)
	}
}

func TestRedact_MergesOverlappingSpans(t *testing.T) {
	text := "0123456789abcdef"
	findings := []Finding{
		{Category: CategoryContact, Start: 2, End: 8, Confidence: 0.8},
		{Category: CategoryFinancial, Start: 6, End: 12, Confidence: 0.9},
	}

	got := Redact(text, findings)
	want := "01[CONTACT]cdef"
	if got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
}

func TestRedact_NoFindings(t *testing.T) {
	text := "nothing personal here"
	if got := Redact(text, nil); got != text {
		t.Errorf("Redact changed clean text: %q", got)
	}
}

func TestMaxConfidence(t *testing.T) {
	if got := MaxConfidence(nil); got != 0 {
		t.Errorf("MaxConfidence(nil) = %v, want 0", got)
	}
	findings := []Finding{
		{Confidence: 0.4},
		{Confidence: 0.9},
		{Confidence: 0.7},
	}
	if got := MaxConfidence(findings); got != 0.9 {
		t.Errorf("MaxConfidence = %v, want 0.9", got)
	}
}
