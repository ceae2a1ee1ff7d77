package correlation

import (
	"regexp"
	"strings"
)

// invoiceRefPattern finds invoice references in free text: a tag such as
// "INV", "factura" or "ref" followed by digits, or a bare "#123".
var invoiceRefPattern = regexp.MustCompile(
	`(?i)(?:\b(?:inv|invoice|fact|factura|fac|ref|nro|no)\.?[\s#:\-]*(\d+))|(?:#(\d+))`,
)

// ExtractInvoiceRefs returns the digit strings of every invoice reference in
// text, in order of appearance, without duplicates.
func ExtractInvoiceRefs(text string) []string {
	var refs []string
	seen := map[string]bool{}
	for _, m := range invoiceRefPattern.FindAllStringSubmatch(text, -1) {
		ref := m[1]
		if ref == "" {
			ref = m[2]
		}
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// MatchInvoiceNumber reports whether an invoice number refers to the same
// invoice as ref. "INV-0002", "2" and "0002" all match ref "2".
func MatchInvoiceNumber(number, ref string) bool {
	number = strings.TrimSpace(number)
	ref = strings.TrimSpace(ref)
	if number == "" || ref == "" {
		return false
	}
	if strings.EqualFold(number, ref) {
		return true
	}
	a := strings.TrimLeft(digitsOnly(number), "0")
	b := strings.TrimLeft(digitsOnly(ref), "0")
	return a != "" && a == b
}
