package web

import (
	"net/url"
	"strings"

	"github.com/priorauth/priorauth/internal/session"
)

type Action int

const (
	// ActionWait means the session is still being resolved.
	ActionWait Action = iota
	ActionRedirect
	ActionRender
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionRedirect:
		return "redirect"
	case ActionRender:
		return "render"
	}
	return "unknown"
}

type Decision struct {
	Action   Action
	Location string
}

const loginPath = "/login"

// Decide is the route guard for protected pages. It depends only on the
// session state and the requested path.
func Decide(state session.State, requestedPath string) Decision {
	switch {
	case state.Loading:
		return Decision{Action: ActionWait}
	case !state.Authenticated:
		return Decision{Action: ActionRedirect, Location: LoginURL(requestedPath)}
	default:
		return Decision{Action: ActionRender}
	}
}

// LoginURL is the login page carrying the path to return to afterwards.
func LoginURL(returnTo string) string {
	if returnTo == "" || returnTo == "/" || SafeRedirect(returnTo) == "/" {
		return loginPath
	}
	return loginPath + "?redirect=" + url.QueryEscape(returnTo)
}

// SafeRedirect returns target if it is a local absolute path, and "/"
// otherwise.
func SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") {
		return "/"
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") || strings.ContainsAny(target, "\r\n") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	if u.Path == loginPath {
		return "/"
	}
	return target
}
