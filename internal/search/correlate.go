package search

import (
	"regexp"
	"sort"
	"strings"
)

var highlightRe = regexp.MustCompile(`(?s)<b>(.*?)</b>`)

// extractTerms returns the distinct highlighted spans of a headline in order
// of first appearance.
func extractTerms(headline string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, m := range highlightRe.FindAllStringSubmatch(headline, -1) {
		term := strings.TrimSpace(m[1])
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// termPattern matches term as a standalone token: not preceded by a word
// character, hyphen or semicolon, and not followed by a word character.
// Matching is case-sensitive.
func termPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\w;\-])` + regexp.QuoteMeta(term) + `(?:$|[^\w])`)
}

// correlation maps matched lines to terms and back. Line numbers are 1-based.
type correlation struct {
	lines     []int
	lineTerms map[int][]string
	termLines map[string][]int
}

func correlateLines(text string, terms []string) correlation {
	c := correlation{
		lineTerms: make(map[int][]string),
		termLines: make(map[string][]int),
	}
	if len(terms) == 0 {
		return c
	}
	patterns := make([]*regexp.Regexp, len(terms))
	for i, t := range terms {
		patterns[i] = termPattern(t)
	}

	for i, line := range splitLines(text) {
		n := i + 1
		for j, re := range patterns {
			if !re.MatchString(line) {
				continue
			}
			c.lineTerms[n] = append(c.lineTerms[n], terms[j])
			c.termLines[terms[j]] = append(c.termLines[terms[j]], n)
		}
	}
	for n := range c.lineTerms {
		c.lines = append(c.lines, n)
	}
	sort.Ints(c.lines)
	return c
}

// splitLines splits on \n and drops a trailing \r from each line.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
