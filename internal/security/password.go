package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrPasswordTooWeak = errors.New("password does not meet strength policy")

// dummyHash is compared against when the looked-up user does not exist, so a
// login miss burns the same bcrypt work as a real credential check. The
// plaintext behind it is random and discarded.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// commonPasswords is a short deny-list of the passwords that dominate breach
// corpora. Checked lowercase after stripping digits-only suffix variance is
// deliberately out of scope; exact match is enough to stop the worst inputs.
var commonPasswords = map[string]struct{}{
	"password":         {},
	"password1":        {},
	"password123":      {},
	"passw0rd":         {},
	"123456789012":     {},
	"qwertyuiop12":     {},
	"letmein12345":     {},
	"welcome12345":     {},
	"iloveyou1234":     {},
	"admin1234567":     {},
	"changeme1234":     {},
	"sunshine1234":     {},
	"monkey1234567":    {},
	"dragon1234567":    {},
	"trustno1trustno1": {},
}

type PasswordHasher struct {
	cost      int
	minLength int
}

func NewPasswordHasher(cost, minLength int) *PasswordHasher {
	return &PasswordHasher{cost: cost, minLength: minLength}
}

// CheckPolicy validates password strength before any hashing happens.
func (h *PasswordHasher) CheckPolicy(password string) error {
	if len(password) < h.minLength {
		return ErrPasswordTooWeak
	}
	if _, bad := commonPasswords[strings.ToLower(password)]; bad {
		return ErrPasswordTooWeak
	}
	return nil
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (h *PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy runs a bcrypt comparison that always fails. Called on the
// user-not-found path so its timing class matches a wrong-password check.
func (h *PasswordHasher) VerifyDummy(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}

// HashRefreshToken derives the registry lookup hash for a refresh token. The
// pepper keeps registry dumps unusable for replay.
func HashRefreshToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + pepper))
	return hex.EncodeToString(sum[:])
}
