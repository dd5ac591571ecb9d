package policy

import "regexp"

type piiRule struct {
	kind   string
	marker string
	re     *regexp.Regexp
}

// Cards are matched before phones so a card number is never reported as a
// phone number.
var piiRules = []piiRule{
	{"email", "[REDACTED_EMAIL]", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"card", "[REDACTED_CARD]", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"phone", "[REDACTED_PHONE]", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// MaskPII replaces e-mail addresses, card numbers and phone numbers in text
// with markers and returns the kinds it masked, in rule order.
func MaskPII(text string) (string, []string) {
	var kinds []string
	out := text
	for _, r := range piiRules {
		next := r.re.ReplaceAllString(out, r.marker)
		if next != out {
			kinds = append(kinds, r.kind)
			out = next
		}
	}
	return out, kinds
}
