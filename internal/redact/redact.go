// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redact masks phone-number-like substrings in free-form log text.
//
// Redaction is pure and deterministic: every match of an enabled pattern is
// replaced with Sentinel and all other bytes are left exactly as they were.
package redact

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentinel replaces every redacted substring.
const Sentinel = "[REDACTED]"

// Redactor applies an ordered set of patterns.
type Redactor struct {
	patterns []Pattern
}

// NewRedactor creates a Redactor for the named patterns. An empty or fully
// unknown list falls back to DefaultPatterns.
func NewRedactor(patternNames []string) *Redactor {
	patterns := GetPatterns(patternNames)
	if len(patterns) == 0 {
		patterns = GetPatterns(DefaultPatterns())
	}
	return &Redactor{patterns: patterns}
}

var defaultRedactor = NewRedactor(nil)

// Redact masks text with the default pattern set.
func Redact(text string) string {
	return defaultRedactor.Redact(text)
}

// Redact returns text with every phone-number-like substring replaced.
func (r *Redactor) Redact(text string) string {
	out, _ := r.RedactCount(text)
	return out
}

// RedactCount redacts text and reports how many substrings were replaced.
func (r *Redactor) RedactCount(text string) (string, int) {
	total := 0
	for _, p := range r.patterns {
		var n int
		text, n = redactPattern(text, p)
		total += n
	}
	return text, total
}

// Patterns returns the names of the enabled patterns.
func (r *Redactor) Patterns() []string {
	names := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		names[i] = p.Name
	}
	return names
}

func redactPattern(text string, p Pattern) (string, int) {
	matches := p.Regex.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, 0
	}

	var b strings.Builder
	last, count := 0, 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if !accept(text, start, end, p) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(Sentinel)
		last = end
		count++
	}
	if count == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), count
}

// accept rejects matches that are glued to surrounding word characters or
// that are one segment of a longer dotted/dashed digit chain (IP addresses,
// versions, dates), and enforces the pattern's digit bounds.
func accept(text string, start, end int, p Pattern) bool {
	if gluedBefore(text, start) || gluedAfter(text, end) {
		return false
	}
	if p.MinDigits == 0 && p.MaxDigits == 0 {
		return true
	}
	digits := 0
	for i := start; i < end; i++ {
		if text[i] >= '0' && text[i] <= '9' {
			digits++
		}
	}
	if p.MinDigits > 0 && digits < p.MinDigits {
		return false
	}
	if p.MaxDigits > 0 && digits > p.MaxDigits {
		return false
	}
	return true
}

func gluedBefore(text string, start int) bool {
	if start == 0 {
		return false
	}
	r, size := utf8.DecodeLastRuneInString(text[:start])
	if isWord(r) {
		return true
	}
	if isChainSeparator(r) && start-size > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:start-size])
		return unicode.IsDigit(prev)
	}
	return false
}

func gluedAfter(text string, end int) bool {
	if end >= len(text) {
		return false
	}
	r, size := utf8.DecodeRuneInString(text[end:])
	if isWord(r) {
		return true
	}
	if isChainSeparator(r) && end+size < len(text) {
		next, _ := utf8.DecodeRuneInString(text[end+size:])
		return unicode.IsDigit(next)
	}
	return false
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isChainSeparator(r rune) bool {
	return r == '-' || r == '.' || r == '/' || r == ':'
}
