package domain

import "strings"

// NormalizePhone reduces a phone number to a leading '+' (if any) followed by
// digits, so "+1 (844) 789-0436" and "+18447890436" compare equal.
func NormalizePhone(number string) string {
	number = strings.TrimSpace(number)
	var sb strings.Builder
	for i, r := range number {
		switch {
		case r == '+' && i == 0:
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
