// Package otp issues and checks the 4-digit pickup code bound to a ride at
// claim time.
package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

const (
	Min = 1000
	Max = 9999
)

// ErrInvalid is returned for any entry that does not match the stored code.
// It is retryable; callers must not change ride state on it.
var ErrInvalid = errors.New("invalid otp")

// Generate returns a uniformly random code in [Min, Max].
func Generate() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(Max-Min+1))
	if err != nil {
		return 0, fmt.Errorf("generate otp: %w", err)
	}
	return Min + int(n.Int64()), nil
}

// Verify compares an entered code against the stored one. The entry must be
// exactly four ASCII digits.
func Verify(stored int, entered string) error {
	if stored < Min || stored > Max || len(entered) != 4 {
		return ErrInvalid
	}
	for i := 0; i < len(entered); i++ {
		if entered[i] < '0' || entered[i] > '9' {
			return ErrInvalid
		}
	}
	if entered != strconv.Itoa(stored) {
		return ErrInvalid
	}
	return nil
}
