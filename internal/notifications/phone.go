package notifications

import "strings"

// countryPrefix is the dialing code stripped from or added to stored numbers
// when resolving a sender.
const countryPrefix = "55"

// NormalizePhone drops any "@domain" suffix from a messaging-platform
// identifier and keeps only the digits.
func NormalizePhone(raw string) string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneCandidates lists the forms tried when matching a normalized number, in
// order: as given, without the country prefix, with the country prefix.
func PhoneCandidates(digits string) []string {
	if digits == "" {
		return nil
	}
	out := []string{digits}
	add := func(c string) {
		if c == "" {
			return
		}
		for _, existing := range out {
			if existing == c {
				return
			}
		}
		out = append(out, c)
	}
	if strings.HasPrefix(digits, countryPrefix) {
		add(strings.TrimPrefix(digits, countryPrefix))
	}
	add(countryPrefix + digits)
	return out
}
