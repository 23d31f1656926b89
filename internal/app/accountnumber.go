package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	accountNumberPrefix      = "62"
	accountNumberLength      = 10
	accountNumberMaxAttempts = 10
)

// AccountNumberChecker reports whether an account number is already taken. Both the
// repository and a store.Tx satisfy it.
type AccountNumberChecker interface {
	AccountNumberExists(ctx context.Context, accountNumber string) (bool, error)
}

// GenerateAccountNumber returns a random 10-digit number starting with 62.
func GenerateAccountNumber() (string, error) {
	digits := make([]byte, 0, accountNumberLength)
	digits = append(digits, accountNumberPrefix...)
	ten := big.NewInt(10)
	for len(digits) < accountNumberLength {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		digits = append(digits, byte('0'+n.Int64()))
	}
	return string(digits), nil
}

// GenerateUniqueAccountNumber draws numbers until one is free, giving up after a fixed
// number of collisions with ErrAccountNumberExhausted.
func GenerateUniqueAccountNumber(ctx context.Context, checker AccountNumberChecker) (string, error) {
	return generateUniqueAccountNumber(ctx, checker, GenerateAccountNumber)
}

func generateUniqueAccountNumber(ctx context.Context, checker AccountNumberChecker, next func() (string, error)) (string, error) {
	for attempt := 0; attempt < accountNumberMaxAttempts; attempt++ {
		number, err := next()
		if err != nil {
			return "", err
		}
		exists, err := checker.AccountNumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("failed to check account number: %w", err)
		}
		if !exists {
			return number, nil
		}
	}
	return "", ErrAccountNumberExhausted
}
