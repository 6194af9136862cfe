// Package code issues short human-typable session codes.
package code

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

// ErrCodeSpaceExhausted is returned when no free code can be found within
// the retry budget. With a 36^6 keyspace this only happens if the open
// session count approaches the keyspace size.
var ErrCodeSpaceExhausted = errors.New("session code space exhausted")

// Length is the number of characters in a session code.
const Length = 6

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const maxAttempts = 32

// Generate returns an uppercase alphanumeric code of Length characters not
// present in existing. Codes are case-insensitive on input; Normalize before
// lookups.
func Generate(existing map[string]struct{}) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c, err := random()
		if err != nil {
			return "", err
		}
		if _, taken := existing[c]; !taken {
			return c, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// Normalize maps user input to canonical code form.
func Normalize(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

func random() (string, error) {
	b := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}
