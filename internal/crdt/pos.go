package crdt

import "strings"

const posDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// midpoint returns a position strictly between a and b under plain string
// comparison. Empty b stands for positive infinity. Generated positions
// never end in the smallest digit, so a midpoint always exists.
func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) {
			ca := posDigits[0]
			if n < len(a) {
				ca = a[n]
			}
			if ca != b[n] {
				break
			}
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(sliceFrom(a, n), b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(posDigits, a[0])
	}
	digitB := len(posDigits)
	if b != "" {
		digitB = strings.IndexByte(posDigits, b[0])
	}

	if digitB-digitA > 1 {
		return string(posDigits[(digitA+digitB)/2])
	}

	// first digits are consecutive
	if len(b) > 1 {
		return b[:1]
	}
	return string(posDigits[digitA]) + midpoint(sliceFrom(a, 1), "")
}

func sliceFrom(s string, n int) string {
	if n >= len(s) {
		return ""
	}
	return s[n:]
}
