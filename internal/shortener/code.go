package shortener

import (
	"crypto/rand"
	"fmt"
	"io"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxUnbiased is the largest multiple of len(alphabet) that fits in a byte.
// Bytes at or above it are rejected so every symbol is equally likely.
const maxUnbiased = 256 - 256%len(alphabet)

// CodeGenerator returns a new random short code.
type CodeGenerator func() (string, error)

// RandomCode returns a generator of length-character codes over [A-Za-z0-9] read from crypto/rand.
func RandomCode(length int) CodeGenerator {
	return randomCodeFrom(rand.Reader, length)
}

func randomCodeFrom(src io.Reader, length int) CodeGenerator {
	return func() (string, error) {
		out := make([]byte, 0, length)
		buf := make([]byte, length)
		for len(out) < length {
			if _, err := io.ReadFull(src, buf); err != nil {
				return "", fmt.Errorf("read random bytes: %w", err)
			}
			for _, b := range buf {
				if int(b) >= maxUnbiased {
					continue
				}
				out = append(out, alphabet[int(b)%len(alphabet)])
				if len(out) == length {
					break
				}
			}
		}
		return string(out), nil
	}
}
