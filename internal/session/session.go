// Package session owns the signed-in clinician's session: sign-in, sign-up,
// sign-out, token refresh, persistence across restarts and the profile
// loaded for the session's user. Consumers observe changes through
// OnSessionChange.
package session

import (
	"errors"
	"time"

	"github.com/priorauth/priorauth/internal/domain/identity"
	"github.com/priorauth/priorauth/internal/platform/gotrue"
)

type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// ErrConfirmationRequired is returned by SignUp when the account was created
// but the identity provider wants the email address confirmed before it
// issues a session.
var ErrConfirmationRequired = errors.New("check your email to confirm your account before signing in")

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Session is an authenticated grant for one user.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// ExpiresWithin reports whether the access token expires within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(d))
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func fromGrant(g *gotrue.Session, now time.Time) *Session {
	name, _ := g.User.UserMetadata["name"].(string)
	return &Session{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    g.Expiry(now),
		User: User{
			ID:    g.User.ID,
			Email: g.User.Email,
			Name:  name,
		},
	}
}

// State is a snapshot of the session as the UI sees it. Loading stays true
// until the persisted session has been resolved at startup.
type State struct {
	Loading       bool
	Authenticated bool
	Session       *Session
	Profile       *identity.Profile
}

// Handler observes session changes. sess is nil after sign-out and for an
// INITIAL_SESSION with nobody signed in.
type Handler func(event Event, sess *Session)
