package correlation

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	countryCode = "54"
	mobileDigit = "9"

	// minContainmentDigits keeps the substring fallback from matching on
	// short fragments.
	minContainmentDigits = 8
)

// NormalizePhone strips everything but digits.
func NormalizePhone(s string) string {
	return digitsOnly(s)
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneVariants returns the equivalent forms of a normalized number: with
// and without the country code, and with and without the mobile 9 after it.
func PhoneVariants(digits string) []string {
	if digits == "" {
		return nil
	}

	var local string
	switch {
	case strings.HasPrefix(digits, countryCode+mobileDigit) && len(digits) > 11:
		local = digits[len(countryCode)+1:]
	case strings.HasPrefix(digits, countryCode) && len(digits) > 10:
		local = digits[len(countryCode):]
	default:
		local = digits
	}

	seen := map[string]bool{}
	var out []string
	for _, v := range []string{digits, local, countryCode + local, countryCode + mobileDigit + local} {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// PhoneCandidate is a customer's phone as stored.
type PhoneCandidate struct {
	CustomerID uuid.UUID
	Phone      string
}

// PhoneMatch is the outcome of MatchCustomerByPhone.
type PhoneMatch struct {
	CustomerID uuid.UUID
	// Exact is false when the match came from substring containment.
	Exact bool
	// Candidates lists every customer that matched at the winning tier.
	// More than one means the number is shared.
	Candidates []uuid.UUID
}

// Ambiguous reports a phone collision.
func (m PhoneMatch) Ambiguous() bool { return len(m.Candidates) > 1 }

// MatchCustomerByPhone finds the customer owning phone. Exact variant
// matches win over containment. Among several matches the lowest customer
// id is chosen so the result is stable.
func MatchCustomerByPhone(candidates []PhoneCandidate, phone string) (PhoneMatch, bool) {
	digits := NormalizePhone(phone)
	if digits == "" {
		return PhoneMatch{}, false
	}

	wanted := map[string]bool{}
	for _, v := range PhoneVariants(digits) {
		wanted[v] = true
	}

	var exact, contained []uuid.UUID
	for _, c := range candidates {
		stored := NormalizePhone(c.Phone)
		if stored == "" {
			continue
		}
		if anyVariant(stored, wanted) {
			exact = append(exact, c.CustomerID)
			continue
		}
		if containsEither(stored, digits) {
			contained = append(contained, c.CustomerID)
		}
	}

	switch {
	case len(exact) > 0:
		return pick(exact, true), true
	case len(contained) > 0:
		return pick(contained, false), true
	default:
		return PhoneMatch{}, false
	}
}

func anyVariant(stored string, wanted map[string]bool) bool {
	for _, v := range PhoneVariants(stored) {
		if wanted[v] {
			return true
		}
	}
	return false
}

func containsEither(a, b string) bool {
	if len(a) < minContainmentDigits || len(b) < minContainmentDigits {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func pick(ids []uuid.UUID, exact bool) PhoneMatch {
	ids = dedupe(ids)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return PhoneMatch{CustomerID: ids[0], Exact: exact, Candidates: ids}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
