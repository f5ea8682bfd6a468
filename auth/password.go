package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

// Authenticator verifies usernames and passwords against the configured
// admin and viewer accounts.
type Authenticator struct {
	cfg config.SecurityConfig
}

// NewAuthenticator creates a credential verifier.
func NewAuthenticator(cfg config.SecurityConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// VerifyAdmin checks admin credentials and returns the admin role.
func (a *Authenticator) VerifyAdmin(username, password string) (string, error) {
	if !check(username, password, a.cfg.AdminUsername, a.cfg.AdminPassword) {
		return "", common.E(common.KindAuthMissing, "invalid credentials")
	}
	return RoleAdmin, nil
}

// VerifyViewer checks viewer credentials and returns the viewer role.
func (a *Authenticator) VerifyViewer(username, password string) (string, error) {
	if !check(username, password, a.cfg.ViewerUsername, a.cfg.ViewerPassword) {
		return "", common.E(common.KindAuthMissing, "invalid credentials")
	}
	return RoleViewer, nil
}

// check compares credentials in constant time. The configured password
// may be a bcrypt hash (recognised by its prefix) or a plain value.
func check(username, password, wantUser, wantPass string) bool {
	if wantUser == "" || wantPass == "" {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser)) == 1

	var passOK bool
	if strings.HasPrefix(wantPass, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(wantPass), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(wantPass)) == 1
	}

	return userOK && passOK
}

// HashPassword produces a bcrypt hash suitable for the password
// configuration values.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
