package system

import (
	"fmt"
	"sync"

	"github.com/go-crypt/crypt"
	"github.com/go-crypt/crypt/algorithm"
	"golang.org/x/crypto/bcrypt"
)

// HashCost is the bcrypt cost used by HashPassword.
const HashCost = 12

var (
	decoderOnce sync.Once
	decoder     *crypt.Decoder
	decoderErr  error
)

// HashPassword returns a bcrypt digest of plain suitable for the user
// table and the configuration file.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), HashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks plain against an encoded crypt(3) style digest
// (bcrypt, sha-crypt, argon2, scrypt, pbkdf2, ...). A malformed or
// unsupported digest is an error, a mismatch is not.
func VerifyPassword(plain, encoded string) (bool, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = crypt.NewDefaultDecoder()
	})
	if decoderErr != nil {
		return false, fmt.Errorf("password decoder unavailable: %w", decoderErr)
	}

	var digest algorithm.Digest
	digest, err := decoder.Decode(encoded)
	if err != nil {
		return false, fmt.Errorf("unsupported or malformed password digest: %w", err)
	}
	return digest.Match(plain), nil
}
