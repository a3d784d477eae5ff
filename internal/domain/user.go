package domain

import (
	"strings"
	"time"
)

type AccountStatus string

const (
	StatusPendingVerification AccountStatus = "pending_verification"
	StatusActive              AccountStatus = "active"
	StatusLocked              AccountStatus = "locked"
	StatusClosed              AccountStatus = "closed"
)

type MFAMethod string

const (
	MFAMethodTOTP  MFAMethod = "totp"
	MFAMethodSMS   MFAMethod = "sms"
	MFAMethodEmail MFAMethod = "email"
)

type User struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	Email          string        `gorm:"size:320;uniqueIndex;not null" json:"email"`
	PasswordHash   string        `gorm:"size:128;not null" json:"-"`
	FirstName      string        `gorm:"size:128" json:"first_name"`
	LastName       string        `gorm:"size:128" json:"last_name"`
	Picture        string        `gorm:"size:512" json:"picture,omitempty"`
	Locale         string        `gorm:"size:16" json:"locale,omitempty"`
	Status         AccountStatus `gorm:"size:32;index;not null;default:pending_verification" json:"status"`
	EmailVerified  bool          `gorm:"not null;default:false" json:"email_verified"`
	PhoneVerified  bool          `gorm:"not null;default:false" json:"phone_verified"`
	MFAEnabled     bool          `gorm:"not null;default:false" json:"mfa_enabled"`
	MFAMethodsCSV  string        `gorm:"size:128;column:mfa_methods" json:"-"`
	TOTPSecret     string        `gorm:"size:128" json:"-"`
	LastLoginAt    *time.Time    `json:"last_login_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (u *User) MFAMethods() []MFAMethod {
	if u.MFAMethodsCSV == "" {
		return nil
	}
	parts := strings.Split(u.MFAMethodsCSV, ",")
	methods := make([]MFAMethod, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			methods = append(methods, MFAMethod(v))
		}
	}
	return methods
}

func (u *User) SetMFAMethods(methods []MFAMethod) {
	parts := make([]string, 0, len(methods))
	for _, m := range methods {
		parts = append(parts, string(m))
	}
	u.MFAMethodsCSV = strings.Join(parts, ",")
}

func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// CanLogin reports whether the account status permits completing a login.
func (u *User) CanLogin() bool {
	return u.Status == StatusActive
}
