// Package npi validates 10-digit National Provider Identifiers.
//
// An NPI check digit is computed with the Luhn mod-10 algorithm over the
// identifier prefixed with the constant "80840" (the ISO health-industry
// prefix), which reduces to adding 24 to the Luhn sum of the first nine
// digits.
package npi

import (
	"errors"
	"fmt"
)

var ErrInvalid = errors.New("invalid npi")

// Valid reports whether s is a well-formed, Luhn-valid NPI.
func Valid(s string) bool {
	return Validate(s) == nil
}

// Validate checks length, digit content, and the Luhn check digit.
func Validate(s string) error {
	if len(s) != 10 {
		return fmt.Errorf("%w: must be 10 digits, got %d", ErrInvalid, len(s))
	}
	sum := 24 // Luhn contribution of the "80840" prefix.
	double := true
	for i := 8; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: non-digit character at position %d", ErrInvalid, i)
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		double = !double
		sum += d
	}
	check := s[9]
	if check < '0' || check > '9' {
		return fmt.Errorf("%w: non-digit check digit", ErrInvalid)
	}
	want := (10 - sum%10) % 10
	if int(check-'0') != want {
		return fmt.Errorf("%w: check digit mismatch", ErrInvalid)
	}
	return nil
}
