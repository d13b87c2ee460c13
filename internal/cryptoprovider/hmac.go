package cryptoprovider

import (
	"crypto/hmac"
	"crypto/sha256"
)

func newHMAC(key []byte) interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
} {
	return hmac.New(sha256.New, key)
}

func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
