package utils

import "regexp"

var dsnPasswordRegex = regexp.MustCompile(`(:)([^:@]+)(@)`)

// MaskDSN hides the password segment of a connection string.
func MaskDSN(dsn string) string {
	return dsnPasswordRegex.ReplaceAllString(dsn, ":***@")
}

// MaskProof keeps the head and tail of a payment proof for log correlation.
func MaskProof(proof string) string {
	const keep = 6
	if len(proof) <= keep*2 {
		return "***"
	}
	return proof[:keep] + "..." + proof[len(proof)-keep:]
}
