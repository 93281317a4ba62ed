package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the work factor for new hashes. Stored hashes
	// carry their own iteration count, so this can be raised without
	// invalidating existing credentials.
	PBKDF2Iterations = 390_000

	pbkdf2Algorithm = "pbkdf2_sha256"
	saltLength      = 16
	keyLength       = 32
)

// HashPassword derives a salted PBKDF2-HMAC-SHA256 hash and encodes it as
// algorithm$iterations$salt_b64$digest_b64. A fresh random salt is drawn
// on every call, so hashing the same password twice yields different strings.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, keyLength, sha256.New)

	return fmt.Sprintf("%s$%d$%s$%s",
		pbkdf2Algorithm,
		PBKDF2Iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
	), nil
}

// VerifyPassword re-derives the digest with the stored salt and iteration
// count and compares in constant time. Malformed stored hashes verify as
// false; this never returns an error to the caller.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != pbkdf2Algorithm {
		return false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}

	expected, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(expected) == 0 {
		return false
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}
