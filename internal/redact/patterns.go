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

package redact

import "regexp"

// Pattern is one phone-number shape the redactor recognises.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Description string

	// MinDigits and MaxDigits bound the number of digits in a match.
	// Zero means unbounded.
	MinDigits int
	MaxDigits int
}

var (
	// +1 555 555 1234, +44-20-7946-0958, +1 (555) 555-1234
	internationalRegex = regexp.MustCompile(`\+\d{1,3}(?:[-. ]?(?:\(\d{1,4}\)|\d{1,4})){2,5}`)

	// (555) 555-1234, (555)555.1234, 1 (555) 555-1234
	parenAreaCodeRegex = regexp.MustCompile(`(?:1[-. ]?)?\(\d{3}\)[-. ]?\d{3}[-. ]?\d{4}`)

	// 555-555-1234, 555.555.1234, 555 555 1234, 1-555-555-1234
	separated10Regex = regexp.MustCompile(`(?:1-)?\d{3}-\d{3}-\d{4}|(?:1\.)?\d{3}\.\d{3}\.\d{4}|(?:1 )?\d{3} \d{3} \d{4}`)

	// 555-0199, 555.0199
	local7Regex = regexp.MustCompile(`\d{3}[-.]\d{4}`)
)

// BuiltInPatterns lists every supported format, longest first. Order
// matters: a shorter pattern must never see the digits of a longer number
// before that number has been replaced.
//
// Deliberately not covered:
//   - bare digit runs (5550199, 5555551234): indistinguishable from order
//     IDs, epoch seconds and counters
//   - space-separated 7-digit numbers (555 0199): too close to free text
//     such as "room 101 2024"
var BuiltInPatterns = []Pattern{
	{
		Name:        "international",
		Regex:       internationalRegex,
		Description: "E.164-style numbers with a leading + and country code",
		MinDigits:   8,
		MaxDigits:   15,
	},
	{
		Name:        "paren_area_code",
		Regex:       parenAreaCodeRegex,
		Description: "10-digit numbers with a parenthesised area code",
	},
	{
		Name:        "separated_10",
		Regex:       separated10Regex,
		Description: "10-digit numbers split 3-3-4 by a consistent separator",
	},
	{
		Name:        "local_7",
		Regex:       local7Regex,
		Description: "7-digit local numbers split 3-4 by a dash or dot",
	},
}

// DefaultPatterns returns the names of the patterns enabled by default.
func DefaultPatterns() []string {
	names := make([]string, 0, len(BuiltInPatterns))
	for _, p := range BuiltInPatterns {
		names = append(names, p.Name)
	}
	return names
}

// GetPatterns returns the named patterns in their built-in order.
// Unknown names are ignored.
func GetPatterns(names []string) []Pattern {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	patterns := make([]Pattern, 0, len(names))
	for _, p := range BuiltInPatterns {
		if want[p.Name] {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
