// Package pii implements deterministic rule-based detection and redaction of
// personal data in inbound message text.
package pii

import (
	"regexp"
	"sort"
	"strings"
)

// Category classifies a detected piece of personal data.
type Category string

const (
	CategoryName       Category = "name"
	CategoryAddress    Category = "address"
	CategoryContact    Category = "contact"
	CategoryFinancial  Category = "financial"
	CategoryNationalID Category = "national_id"
)

// Finding is one detected span of personal data. Start and End are byte
// offsets into the scanned text; Confidence is in [0,1].
type Finding struct {
	Category   Category
	Start      int
	End        int
	Confidence float64
}

// rule pairs a compiled pattern with its category and the confidence assigned
// to matches. When group is true the finding covers capture group 1 instead
// of the whole match (used for lead-in phrases like "my name is ...").
type rule struct {
	re         *regexp.Regexp
	category   Category
	confidence float64
	group      bool
}

// Scanner detects personal data with a fixed rule set. Scanning is
// deterministic and side-effect-free; the same text always yields the same
// findings.
type Scanner struct {
	rules []rule
}

// NewScanner builds a Scanner with the default detection rules.
func NewScanner() *Scanner {
	return &Scanner{rules: defaultRules()}
}

func defaultRules() []rule {
	return []rule{
		{
			re:         regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			category:   CategoryContact,
			confidence: 0.95,
		},
		{
			// UK-style phone numbers: +44 or leading 0, 10-11 digits,
			// arbitrary space/dash grouping.
			re:         regexp.MustCompile(`\b(?:\+44|0)(?:[\s\-]?\d){9,10}\b`),
			category:   CategoryContact,
			confidence: 0.85,
		},
		{
			// UK postcodes.
			re:         regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z\d]?\s?\d[A-Z]{2}\b`),
			category:   CategoryAddress,
			confidence: 0.85,
		},
		{
			// House number plus street keyword.
			re:         regexp.MustCompile(`\b\d{1,4}\s+[A-Z][a-z]+\s+(?:Street|Road|Lane|Avenue|Close|Drive|Way|Court|Place)\b`),
			category:   CategoryAddress,
			confidence: 0.8,
		},
		{
			// National Insurance numbers.
			re:         regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`),
			category:   CategoryNationalID,
			confidence: 0.9,
		},
		{
			// Payment card numbers, 13-16 digits with optional separators.
			// Anchored on digits at both ends so the span never swallows a
			// trailing separator.
			re:         regexp.MustCompile(`\b\d(?:[ \-]?\d){12,15}\b`),
			category:   CategoryFinancial,
			confidence: 0.85,
		},
		{
			// Bank sort codes.
			re:         regexp.MustCompile(`\b\d{2}-\d{2}-\d{2}\b`),
			category:   CategoryFinancial,
			confidence: 0.8,
		},
		{
			// Honorific followed by a capitalised name.
			re:         regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Mx)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`),
			category:   CategoryName,
			confidence: 0.8,
		},
		{
			// Self-identification: "my name is Jane Smith".
			re:         regexp.MustCompile(`(?i)\bmy name is\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`),
			category:   CategoryName,
			confidence: 0.9,
			group:      true,
		},
		{
			re:         regexp.MustCompile(`(?i)\b(?:i am|i'm)\s+([A-Z][a-z]+\s+[A-Z][a-z]+)\b`),
			category:   CategoryName,
			confidence: 0.7,
			group:      true,
		},
		{
			// Client introductions: "my client John Davies".
			re:         regexp.MustCompile(`(?i)\bmy client,?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`),
			category:   CategoryName,
			confidence: 0.85,
			group:      true,
		},
	}
}

// Scan returns every detected finding in text, ordered by start offset.
// Returns nil when nothing is found.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	for _, r := range s.rules {
		matches := r.re.FindAllStringSubmatchIndex(text, -1)
		for _, m := range matches {
			start, end := m[0], m[1]
			if r.group && len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			findings = append(findings, Finding{
				Category:   r.category,
				Start:      start,
				End:        end,
				Confidence: r.confidence,
			})
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End < findings[j].End
	})
	return findings
}

// MaxConfidence returns the highest confidence across findings, 0 when empty.
func MaxConfidence(findings []Finding) float64 {
	var max float64
	for _, f := range findings {
		if f.Confidence > max {
			max = f.Confidence
		}
	}
	return max
}

// Redact replaces each flagged span with a category placeholder, preserving
// all non-flagged text verbatim. Overlapping spans are merged before
// replacement; a merged span takes the category of its first finding.
func Redact(text string, findings []Finding) string {
	if len(findings) == 0 {
		return text
	}

	merged := mergeSpans(findings)

	var sb strings.Builder
	prev := 0
	for _, f := range merged {
		if f.Start < prev {
			continue
		}
		sb.WriteString(text[prev:f.Start])
		sb.WriteString("[" + strings.ToUpper(string(f.Category)) + "]")
		prev = f.End
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

// mergeSpans collapses overlapping or touching findings into single spans.
// Input must be sorted by start offset (Scan guarantees this).
func mergeSpans(findings []Finding) []Finding {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	var merged []Finding
	for _, f := range sorted {
		if len(merged) > 0 && f.Start <= merged[len(merged)-1].End {
			last := &merged[len(merged)-1]
			if f.End > last.End {
				last.End = f.End
			}
			if f.Confidence > last.Confidence {
				last.Confidence = f.Confidence
			}
			continue
		}
		merged = append(merged, f)
	}
	return merged
}
