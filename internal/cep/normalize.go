// Package cep normalizes Brazilian postal codes.
package cep

import "regexp"

var (
	nonDigit = regexp.MustCompile(`\D`)
	cep8     = regexp.MustCompile(`^\d{8}$`)
)

// Normalize strips every non-digit character from raw and returns the result
// when it is exactly eight ASCII digits. ok is false otherwise.
func Normalize(raw string) (code string, ok bool) {
	digits := nonDigit.ReplaceAllString(raw, "")
	if !cep8.MatchString(digits) {
		return "", false
	}
	return digits, true
}
