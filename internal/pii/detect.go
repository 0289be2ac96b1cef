// Package pii finds and replaces personally identifiable information in
// extracted document text.
package pii

import (
	"regexp"
	"sort"
)

// Entity is a category of detected PII.
type Entity string

const (
	EntityEmail      Entity = "EMAIL"
	EntityPhone      Entity = "PHONE"
	EntitySSN        Entity = "SSN"
	EntityCreditCard Entity = "CREDIT_CARD"
	EntityIPAddress  Entity = "IP_ADDRESS"
)

// Finding is one detected occurrence. Start/End are byte offsets into the
// scanned text, End exclusive.
type Finding struct {
	Entity Entity `json:"entity"`
	Value  string `json:"value"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

var patterns = []struct {
	entity Entity
	re     *regexp.Regexp
}{
	{EntityEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{EntitySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{EntityCreditCard, regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{EntityPhone, regexp.MustCompile(`\b(?:\+?1[ \-.]?)?\(?\d{3}\)?[ \-.]\d{3}[ \-.]\d{4}\b`)},
	{EntityIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Detect scans text and returns findings ordered by position. Overlapping
// matches keep the earliest (and on ties, the longer) one, so a credit card
// number is not additionally reported as a phone number.
func Detect(text string) []Finding {
	var all []Finding
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if p.entity == EntityCreditCard && !luhnValid(value) {
				continue
			}
			all = append(all, Finding{Entity: p.entity, Value: value, Start: loc[0], End: loc[1]})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End > all[j].End
	})

	out := all[:0]
	lastEnd := -1
	for _, f := range all {
		if f.Start < lastEnd {
			continue
		}
		out = append(out, f)
		lastEnd = f.End
	}
	return out
}

// luhnValid runs the Luhn checksum over the digits in s. Anything that does
// not check out is treated as a random number, not a card.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
