// Package session describes who is using the agent. A Session is built once
// at start-up and passed to every component that needs the user's identity;
// nothing looks it up from global state.
package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/reliefnet/fieldagent/internal/models"
)

type Session struct {
	Email     string
	Role      string
	Token     string
	Location  *models.Location
	ExpiresAt time.Time
}

type claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// New builds a session. When token is a JWT its claims fill in any field the
// caller left empty. The signature is not checked: the backend owns
// verification, the agent only reads what the token says about the user.
func New(email, role, token string, loc *models.Location) Session {
	s := Session{
		Email:    strings.TrimSpace(email),
		Role:     strings.ToLower(strings.TrimSpace(role)),
		Token:    token,
		Location: loc,
	}
	if token == "" {
		return s
	}

	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return s
	}
	if s.Email == "" {
		s.Email = c.Email
		if s.Email == "" {
			s.Email = c.Subject
		}
	}
	if s.Role == "" {
		s.Role = strings.ToLower(c.Role)
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}

// Expired reports whether the token carried an expiry that has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

func (s Session) Authorization() string {
	if s.Token == "" {
		return ""
	}
	return "Bearer " + s.Token
}
