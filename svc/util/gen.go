package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	alphanumeric       = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	DefaultTokenLength = 10
	MaxTokenLength     = 64
)

var alphabetSize = big.NewInt(int64(len(alphanumeric)))

// GenToken returns n characters drawn uniformly from [0-9A-Za-z].
func GenToken(n int) (string, error) {
	if n <= 0 || n > MaxTokenLength {
		return "", errors.Errorf("token length %d out of range", n)
	}
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		buf[i] = alphanumeric[idx.Int64()]
	}
	return string(buf), nil
}

// ValidToken reports whether s could have come from GenToken.
func ValidToken(s string) bool {
	if len(s) == 0 || len(s) > MaxTokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
