package detect

import (
	"fmt"
	"strings"
)

// suffix attempts before giving up and using the guaranteed-unique page form.
const maxDedupeAttempts = 9

// Deduper enforces case-insensitive sheet-number uniqueness within one
// ingestion run.
type Deduper struct {
	seen map[string]bool
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]bool)}
}

// Unique returns number unchanged when it is first seen. On collision it
// appends -P<page>, then -2, -3, ... and finally falls back to PAGE-<page>,
// which cannot collide because page numbers are unique within a run.
func (d *Deduper) Unique(number string, page int) string {
	if d.claim(number) {
		return number
	}

	paged := fit(number, fmt.Sprintf("-P%d", page))
	if d.claim(paged) {
		return paged
	}
	for i := 2; i <= maxDedupeAttempts; i++ {
		candidate := fit(paged, fmt.Sprintf("-%d", i))
		if d.claim(candidate) {
			return candidate
		}
	}

	final := fmt.Sprintf("PAGE-%d", page)
	d.claim(final)
	return final
}

func (d *Deduper) claim(number string) bool {
	key := strings.ToUpper(number)
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

// fit appends suffix, truncating the base so the result stays within the
// sheet-number column width.
func fit(base, suffix string) string {
	if len(base)+len(suffix) > maxSheetNumberLen {
		base = truncate(base, maxSheetNumberLen-len(suffix))
	}
	return base + suffix
}
