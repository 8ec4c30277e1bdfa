// Package auth is the session gate for the portal. It validates admin and
// clinic credentials against bcrypt hashes, issues signed session tokens,
// and provides the Echo middleware that turns a bearer token back into a
// Session. The public patient surface never goes through this package.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleAdmin  = "admin"
	RoleClinic = "clinic"
)

var (
	// ErrInvalidCredentials is returned for every login failure. Callers
	// must not learn whether the email or the secret was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrInvalidToken = errors.New("invalid session token")
)

// Session is the authorization context passed explicitly into every core
// operation that needs scoping. ClinicID is empty for admin sessions.
type Session struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	ClinicID string `json:"clinic_id,omitempty"`
}

// IsAdmin reports whether the session carries the admin role.
func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

// CanActOn reports whether the session may act on records belonging to the
// given clinic.
func (s Session) CanActOn(clinicID string) bool {
	return s.IsAdmin() || (s.Role == RoleClinic && s.ClinicID == clinicID)
}

// Claims is the JWT payload for a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Role     string `json:"role"`
	ClinicID string `json:"clinic_id,omitempty"`
}

// ClinicCredentials resolves a clinic login email to its id and stored
// secret hash. Implemented by the registry repository; defined here to keep
// the dependency pointing inward.
type ClinicCredentials interface {
	ClinicCredentialByEmail(ctx context.Context, email string) (clinicID, secretHash string, err error)
}

// Gate performs credential checks and token issuance.
type Gate struct {
	secret     []byte
	ttl        time.Duration
	adminEmail string
	adminHash  string
	clinics    ClinicCredentials
}

// NewGate builds a session gate. adminHash is the bcrypt hash of the admin
// secret; an empty hash disables admin login entirely.
func NewGate(secret string, ttl time.Duration, adminEmail, adminHash string, clinics ClinicCredentials) *Gate {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Gate{
		secret:     []byte(secret),
		ttl:        ttl,
		adminEmail: adminEmail,
		adminHash:  adminHash,
		clinics:    clinics,
	}
}

// Login validates the credential pair and returns a signed session token.
// All failure paths report ErrInvalidCredentials.
func (g *Gate) Login(ctx context.Context, email, secret string) (string, Session, error) {
	if email == "" || secret == "" {
		return "", Session{}, ErrInvalidCredentials
	}

	if g.adminHash != "" && email == g.adminEmail {
		if bcrypt.CompareHashAndPassword([]byte(g.adminHash), []byte(secret)) != nil {
			return "", Session{}, ErrInvalidCredentials
		}
		sess := Session{UserID: "admin", Email: email, Role: RoleAdmin}
		token, err := g.issue(sess)
		return token, sess, err
	}

	clinicID, hash, err := g.clinics.ClinicCredentialByEmail(ctx, email)
	if err != nil {
		// Burn a comparison anyway so missing accounts cost the same
		// as wrong secrets.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(secret))
		return "", Session{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return "", Session{}, ErrInvalidCredentials
	}

	sess := Session{UserID: clinicID, Email: email, Role: RoleClinic, ClinicID: clinicID}
	token, err := g.issue(sess)
	return token, sess, err
}

func (g *Gate) issue(s Session) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		Email:    s.Email,
		Role:     s.Role,
		ClinicID: s.ClinicID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// Parse validates a session token and reconstructs the Session.
func (g *Gate) Parse(token string) (Session, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	if claims.Role != RoleAdmin && claims.Role != RoleClinic {
		return Session{}, ErrInvalidToken
	}
	return Session{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Role:     claims.Role,
		ClinicID: claims.ClinicID,
	}, nil
}

// HashSecret produces the bcrypt hash stored in place of a raw secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
