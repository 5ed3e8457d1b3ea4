// Package hashing computes the content digests used as cache keys and states.
package hashing

import (
	"io"
	"os"

	"golang.org/x/crypto/sha3"

	"encoding/base64"
)

// digestSize is the number of bytes read from the SHAKE-128 output.
const digestSize = 64

// encoding is standard base64 with '+' and '/' replaced by '!' and '@', so
// digests are safe in file names and never contain the cache field separator.
var encoding = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@")

// File returns the digest of the contents of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha3.NewShake128()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return digest(h), nil
}

// String returns the digest of s.
func String(s string) string {
	h := sha3.NewShake128()
	h.Write([]byte(s))
	return digest(h)
}

func digest(h sha3.ShakeHash) string {
	sum := make([]byte, digestSize)
	h.Read(sum)
	return encoding.EncodeToString(sum)
}
