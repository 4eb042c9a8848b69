// Package detect recovers sheet identity (number, title, discipline) from
// the text layer of one drawing page. It is a pure function over the page
// text; no I/O. The heuristics are deliberately conservative: an explicit
// label always wins, an unlabeled pattern must score its way in, and the
// fallback never produces a false sheet number.
package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Confidence tiers for a detection result.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Detection methods, recorded for auditability.
const (
	MethodLabel    = "label"
	MethodPattern  = "pattern"
	MethodFallback = "fallback"
)

const (
	maxSheetNumberLen = 50
	maxSheetTitleLen  = 255
)

// Detection is the result of analyzing one page.
type Detection struct {
	SheetNumber string
	SheetTitle  string
	Discipline  string
	Confidence  string
	Method      string
	SourceLine  string
}

// disciplines is the fixed set of recognized discipline prefixes.
var disciplines = map[string]bool{
	"A": true, "S": true, "M": true, "E": true, "P": true, "C": true,
	"L": true, "I": true, "FP": true, "G": true, "T": true, "SP": true,
	"D": true, "X": true,
}

var (
	// sheetNumberRe is the strict sheet-number grammar: optional discipline
	// prefix, optional separator, 1-4 digits, optional .1-3 digits, optional
	// trailing letter. Applied to normalized (uppercased) tokens.
	sheetNumberRe = regexp.MustCompile(`^(FP|SP|[ASMEPCLIGTDX])?[-./]?(\d{1,4})(\.\d{1,3})?([A-Z])?$`)

	// labelRe matches explicit sheet-number labels like "SHEET NO: A-101",
	// "DWG NO A-101" or "SHT # S2.3". NUMBER must precede NUM in the
	// alternation so the capture does not start mid-word.
	labelRe = regexp.MustCompile(`(?i)\b(?:SHEET|SHT|DWG|DRAWING)[\s.]*(?:NUMBER|NUM\.?|NO\.?|#)[\s:\-#]*([A-Za-z0-9./-]+)`)

	// titleRe matches explicit title labels like "TITLE: FLOOR PLAN".
	titleRe = regexp.MustCompile(`(?i)\b(?:SHEET\s+)?TITLE[\s:\-#]+(.+)`)

	keywordRe = regexp.MustCompile(`(?i)\b(?:SHEET|SHT|DWG|DRAWING)\b`)
	noiseRe   = regexp.MustCompile(`(?i)\b(?:DETAIL|SCALE|DATE|ISSUED|REVISION|PROJECT)\b`)

	// noiseLabelRe rejects title-block field labels ("SCALE: ...",
	// "DATE: ...") as title candidates.
	noiseLabelRe = regexp.MustCompile(`(?i)^\s*(?:SCALE|DATE|DRAWN|CHECKED|ISSUED|REVISION|PROJECT|DETAIL)\b`)

	hasLetterRe = regexp.MustCompile(`[A-Za-z]`)
)

// DetectSheetMetadata analyzes the extracted text of one page. setTitle and
// pageNumber (1-based) feed the low-confidence fallback.
func DetectSheetMetadata(pageText, setTitle string, pageNumber int) Detection {
	lines := splitLines(pageText)

	if d, ok := detectByLabel(lines); ok {
		d.Discipline = DisciplineFor(d.SheetNumber)
		d.SheetTitle = orFallbackTitle(d.SheetTitle, setTitle, pageNumber)
		return d
	}
	if d, ok := detectByPattern(lines); ok {
		d.Discipline = DisciplineFor(d.SheetNumber)
		d.SheetTitle = orFallbackTitle(d.SheetTitle, setTitle, pageNumber)
		return d
	}

	fallback := truncate(fmt.Sprintf("%s - Page %d", setTitle, pageNumber), maxSheetTitleLen)
	return Detection{
		SheetNumber: truncate(fallback, maxSheetNumberLen),
		SheetTitle:  fallback,
		Discipline:  "X",
		Confidence:  ConfidenceLow,
		Method:      MethodFallback,
	}
}

// detectByLabel scans for an explicit label line. First valid hit wins.
func detectByLabel(lines []string) (Detection, bool) {
	for i, line := range lines {
		m := labelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		candidate := NormalizeSheetNumber(m[1])
		if !IsValidSheetNumber(candidate) {
			continue
		}
		return Detection{
			SheetNumber: truncate(candidate, maxSheetNumberLen),
			SheetTitle:  findTitle(lines, i, true),
			Confidence:  ConfidenceHigh,
			Method:      MethodLabel,
			SourceLine:  line,
		}, true
	}
	return Detection{}, false
}

// detectByPattern scans every token on every line against the sheet-number
// grammar and scores the candidates. The scoring is tuned to prefer tokens
// that look like title-block sheet numbers and to suppress bare years.
func detectByPattern(lines []string) (Detection, bool) {
	best := Detection{}
	bestScore := 0

	for i, line := range lines {
		for _, token := range strings.Fields(line) {
			candidate := NormalizeSheetNumber(token)
			if candidate == "" || !IsValidSheetNumber(candidate) {
				continue
			}

			score := 0
			if strings.ContainsAny(candidate, "-./") {
				score += 2
			}
			if keywordRe.MatchString(line) {
				score += 4
			}
			if len(line) <= 40 {
				score++
			}
			if noiseRe.MatchString(line) {
				score--
			}
			if looksLikeYear(candidate) {
				score -= 3
			}

			if score > bestScore {
				bestScore = score
				best = Detection{
					SheetNumber: truncate(candidate, maxSheetNumberLen),
					SheetTitle:  findTitle(lines, i, false),
					Confidence:  ConfidenceMedium,
					Method:      MethodPattern,
					SourceLine:  line,
				}
			}
		}
	}

	if bestScore < 2 {
		return Detection{}, false
	}
	return best, true
}

// NormalizeSheetNumber uppercases a raw token, strips everything outside
// [A-Z0-9./-], and trims leading/trailing separators.
func NormalizeSheetNumber(token string) string {
	upper := strings.ToUpper(strings.TrimSpace(token))
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '/' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".-/")
}

// IsValidSheetNumber reports whether a normalized token matches the strict
// sheet-number grammar.
func IsValidSheetNumber(candidate string) bool {
	if candidate == "" {
		return false
	}
	m := sheetNumberRe.FindStringSubmatch(candidate)
	if m == nil {
		return false
	}
	// A single-letter prefix must come from the discipline set; the regex
	// character class already enforces that, but two-letter codes other
	// than FP/SP are rejected by the alternation, so nothing more to check.
	return true
}

// looksLikeYear reports whether a candidate is a bare 4-digit number in the
// 1900-2100 range: a date fragment, not a sheet number.
func looksLikeYear(candidate string) bool {
	if strings.ContainsAny(candidate, "-./") {
		return false
	}
	if hasLetterRe.MatchString(candidate) {
		return false
	}
	if len(candidate) != 4 {
		return false
	}
	year, err := strconv.Atoi(candidate)
	if err != nil {
		return false
	}
	return year >= 1900 && year <= 2100
}

// DisciplineFor derives the trade category from a sheet number's leading
// letters. Two-letter codes FP and SP are special-cased; anything not in
// the fixed discipline set maps to X.
func DisciplineFor(sheetNumber string) string {
	upper := strings.ToUpper(sheetNumber)
	if strings.HasPrefix(upper, "FP") {
		return "FP"
	}
	if strings.HasPrefix(upper, "SP") {
		return "SP"
	}
	if upper == "" {
		return "X"
	}
	first := string(upper[0])
	if first >= "A" && first <= "Z" && disciplines[first] {
		return first
	}
	return "X"
}

// findTitle picks the title for a match at matchIdx. An explicit TITLE
// label anywhere on the page wins on the label path only; otherwise, and
// always on the pattern path, the nearest prose-looking line within two
// lines of the match is used.
func findTitle(lines []string, matchIdx int, scanLabels bool) string {
	if scanLabels {
		for _, line := range lines {
			if m := titleRe.FindStringSubmatch(line); m != nil {
				if title := sanitizeTitle(m[1]); title != "" {
					return title
				}
			}
		}
	}
	for _, offset := range []int{-1, 1, -2, 2} {
		idx := matchIdx + offset
		if idx < 0 || idx >= len(lines) {
			continue
		}
		if isProse(lines[idx]) {
			return sanitizeTitle(lines[idx])
		}
	}
	return ""
}

// isProse reports whether a line looks like a human-readable title: long
// enough, contains a letter, and is not itself a label.
func isProse(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return false
	}
	if !hasLetterRe.MatchString(trimmed) {
		return false
	}
	if labelRe.MatchString(trimmed) || titleRe.MatchString(trimmed) || noiseLabelRe.MatchString(trimmed) {
		return false
	}
	return true
}

func sanitizeTitle(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	return truncate(collapsed, maxSheetTitleLen)
}

func orFallbackTitle(title, setTitle string, pageNumber int) string {
	if title != "" {
		return title
	}
	return truncate(fmt.Sprintf("%s - Page %d", setTitle, pageNumber), maxSheetTitleLen)
}

// truncate cuts s to at most max bytes without splitting a multibyte rune,
// so truncated values stay valid UTF-8 for the database.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, strings.TrimRight(strings.TrimSpace(line), "\r"))
	}
	return lines
}
