package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// NewOpaqueToken returns a URL-safe random token with n bytes of entropy.
// Used for authorization codes and email-verification tokens.
func NewOpaqueToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewNumericCode returns a zero-padded random code of the given number of
// digits, for SMS/email delivered one-time codes.
func NewNumericCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// HashDeliveredCode produces the stored digest for a delivered MFA code.
func HashDeliveredCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// VerifyDeliveredCode compares a presented code against the stored digest in
// constant time.
func VerifyDeliveredCode(storedSum, code string) bool {
	sum := sha256.Sum256([]byte(code))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(storedSum)) == 1
}

// VerifyPKCE checks a code_verifier against the stored code_challenge.
// Only the S256 method and the "plain" fallback are supported.
func VerifyPKCE(verifier, challenge, method string) bool {
	if challenge == "" {
		return verifier == ""
	}
	switch method {
	case "", "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

// SecureCompare is a constant-time string equality check for client secrets.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
