package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/priorauth/priorauth/internal/domain/identity"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/gotrue"
)

// Provider is the identity provider. *gotrue.Client satisfies it.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*gotrue.Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*gotrue.SignUpResult, error)
	Refresh(ctx context.Context, refreshToken string) (*gotrue.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// ProfileLoader loads the application profile for a user.
type ProfileLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*identity.Profile, error)
}

type Options struct {
	// RefreshSkew is how long before expiry a token is refreshed.
	RefreshSkew time.Duration
	// RetryDelay is the wait before retrying a refresh that failed on the
	// network.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.RefreshSkew <= 0 {
		o.RefreshSkew = time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	return o
}

// Manager is the single owner of session state for the process.
type Manager struct {
	provider Provider
	profiles ProfileLoader
	store    Store
	logger   zerolog.Logger
	opts     Options
	now      func() time.Time

	mu         sync.RWMutex
	state      State
	profileFor string
	handlers   map[int]Handler
	nextID     int

	refreshGroup singleflight.Group

	ready     chan struct{}
	readyOnce sync.Once
	kick      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewManager(provider Provider, profiles ProfileLoader, store Store, logger zerolog.Logger, opts Options) *Manager {
	if store == nil {
		store = &MemoryStore{}
	}
	return &Manager{
		provider: provider,
		profiles: profiles,
		store:    store,
		logger:   logger.With().Str("component", "session").Logger(),
		opts:     opts.withDefaults(),
		now:      time.Now,
		state:    State{Loading: true},
		handlers: make(map[int]Handler),
		ready:    make(chan struct{}),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start resolves the persisted session, loads its profile, leaves the
// loading state, emits INITIAL_SESSION and starts the background refresher.
// It never fails: an unreadable or unrefreshable session means nobody is
// signed in.
func (m *Manager) Start(ctx context.Context) {
	sess, err := m.store.Load()
	if err != nil {
		m.logger.Warn().Err(err).Msg("discarding unreadable persisted session")
		sess = nil
		m.clearStore()
	}

	if sess != nil && sess.ExpiresWithin(m.now(), m.opts.RefreshSkew) {
		refreshed, err := m.provider.Refresh(ctx, sess.RefreshToken)
		if err != nil {
			m.logger.Info().Err(err).Msg("persisted session could not be refreshed")
			sess = nil
			m.clearStore()
		} else {
			sess = fromGrant(refreshed, m.now())
			m.persist(sess)
		}
	}

	var profile *identity.Profile
	if sess != nil {
		profile = m.fetchProfile(ctx, sess)
	}

	m.mu.Lock()
	m.state = State{Authenticated: sess != nil, Session: sess, Profile: profile}
	if sess != nil {
		m.profileFor = sess.User.ID
	}
	m.mu.Unlock()

	m.readyOnce.Do(func() { close(m.ready) })
	m.emit(EventInitialSession, sess)

	m.wg.Add(1)
	go m.refreshLoop()
}

// WaitReady blocks until Start has resolved the initial session.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot. The returned session and profile are copies.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state
	st.Session = st.Session.clone()
	if st.Profile != nil {
		p := *st.Profile
		st.Profile = &p
	}
	return st
}

// OnSessionChange registers h and returns the function that unregisters it.
func (m *Manager) OnSessionChange(h Handler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// CurrentSession returns the active session, refreshing it first when the
// access token is about to expire. It returns nil when nobody is signed in
// or the refresh token was rejected.
func (m *Manager) CurrentSession(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	sess := m.state.Session.clone()
	m.mu.RUnlock()

	if sess == nil {
		return nil, nil
	}
	if !sess.ExpiresWithin(m.now(), m.opts.RefreshSkew) {
		return sess, nil
	}

	refreshed, err := m.refresh(ctx, sess)
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	grant, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}
	m.acquire(ctx, fromGrant(grant, m.now()))
	return nil
}

// SignUp registers a new account. When the provider issues a session right
// away the manager signs in; otherwise ErrConfirmationRequired is returned
// and the state is unchanged.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) error {
	res, err := m.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		return err
	}
	if res.Session == nil {
		return ErrConfirmationRequired
	}
	m.acquire(ctx, fromGrant(res.Session, m.now()))
	return nil
}

// SignOut always ends the local session. A failure to revoke the session
// remotely is only logged.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.RLock()
	sess := m.state.Session.clone()
	m.mu.RUnlock()

	if sess != nil {
		if err := m.provider.SignOut(ctx, sess.AccessToken); err != nil {
			m.logger.Warn().Err(err).Str("user_id", sess.User.ID).Msg("remote sign-out failed")
		}
	}
	m.clearLocal()
}

// AccessToken returns a valid access token for outbound calls.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	sess, err := m.CurrentSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", apperr.Auth("session.AccessToken", "not signed in", nil)
	}
	return sess.AccessToken, nil
}

// IdentityContext attaches the signed-in user to ctx for data-store calls.
func (m *Manager) IdentityContext(ctx context.Context) (context.Context, error) {
	sess, err := m.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.Auth("session.IdentityContext", "not signed in", nil)
	}
	return auth.WithIdentity(ctx, identityOf(sess)), nil
}

// Close stops the background refresher.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func identityOf(sess *Session) auth.Identity {
	return auth.Identity{
		UserID:      sess.User.ID,
		Email:       sess.User.Email,
		Role:        "authenticated",
		AccessToken: sess.AccessToken,
	}
}

// acquire installs a new session. The profile is fetched once per user: a
// second sign-in of the same user keeps the loaded profile.
func (m *Manager) acquire(ctx context.Context, sess *Session) {
	m.persist(sess)

	m.mu.RLock()
	sameUser := m.profileFor == sess.User.ID
	profile := m.state.Profile
	m.mu.RUnlock()

	if !sameUser {
		profile = m.fetchProfile(ctx, sess)
	}

	m.mu.Lock()
	m.state = State{Authenticated: true, Session: sess, Profile: profile}
	m.profileFor = sess.User.ID
	m.mu.Unlock()

	m.rearm()
	m.emit(EventSignedIn, sess)
}

func (m *Manager) clearLocal() {
	m.clearStore()

	m.mu.Lock()
	wasSignedIn := m.state.Session != nil
	m.state = State{}
	m.profileFor = ""
	m.mu.Unlock()

	m.rearm()
	if wasSignedIn {
		m.emit(EventSignedOut, nil)
	}
}

// refresh exchanges the refresh token once even if several callers notice
// expiry at the same moment.
func (m *Manager) refresh(ctx context.Context, stale *Session) (*Session, error) {
	v, err, _ := m.refreshGroup.Do(stale.RefreshToken, func() (interface{}, error) {
		grant, err := m.provider.Refresh(ctx, stale.RefreshToken)
		if err != nil {
			return nil, err
		}
		return fromGrant(grant, m.now()), nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			m.logger.Info().Err(err).Msg("refresh token rejected, signing out")
			m.mu.RLock()
			current := m.state.Session
			m.mu.RUnlock()
			if current != nil && current.RefreshToken == stale.RefreshToken {
				m.clearLocal()
			}
		}
		return nil, err
	}

	fresh := v.(*Session)

	m.mu.Lock()
	current := m.state.Session
	if current == nil || current.User.ID != fresh.User.ID {
		// Signed out or switched user while the refresh was in flight.
		m.mu.Unlock()
		return fresh.clone(), nil
	}
	installed := current.AccessToken != fresh.AccessToken
	if installed {
		m.state.Session = fresh
	}
	m.mu.Unlock()

	if installed {
		m.persist(fresh)
		m.rearm()
		m.emit(EventTokenRefreshed, fresh)
	}
	return fresh.clone(), nil
}

// refreshLoop refreshes the token RefreshSkew before it expires. Attempts
// are at least RetryDelay apart.
func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	var lastAttempt time.Time
	for {
		m.mu.RLock()
		sess := m.state.Session.clone()
		m.mu.RUnlock()

		var timer <-chan time.Time
		var t *time.Timer
		if sess != nil {
			wait := sess.ExpiresAt.Add(-m.opts.RefreshSkew).Sub(m.now())
			if !lastAttempt.IsZero() {
				if floor := lastAttempt.Add(m.opts.RetryDelay).Sub(m.now()); wait < floor {
					wait = floor
				}
			}
			if wait < 0 {
				wait = 0
			}
			t = time.NewTimer(wait)
			timer = t.C
		}

		select {
		case <-m.stop:
			if t != nil {
				t.Stop()
			}
			return
		case <-m.kick:
			if t != nil {
				t.Stop()
			}
		case <-timer:
			lastAttempt = m.now()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := m.refresh(ctx, sess)
			cancel()
			if err != nil && !apperr.Is(err, apperr.KindAuth) {
				m.logger.Warn().Err(err).Dur("retry_in", m.opts.RetryDelay).Msg("token refresh failed")
			}
		}
	}
}

// rearm wakes the refresher so it reschedules against the new session.
func (m *Manager) rearm() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) fetchProfile(ctx context.Context, sess *Session) *identity.Profile {
	if m.profiles == nil {
		return nil
	}
	id, err := uuid.Parse(sess.User.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", sess.User.ID).Msg("user id is not a uuid, skipping profile")
		return nil
	}
	p, err := m.profiles.GetByID(auth.WithIdentity(ctx, identityOf(sess)), id)
	if err != nil {
		m.logger.Error().Err(err).Str("user_id", sess.User.ID).Msg("failed to load profile")
		return nil
	}
	return p
}

func (m *Manager) persist(sess *Session) {
	if err := m.store.Save(sess); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist session")
	}
}

func (m *Manager) clearStore() {
	if err := m.store.Clear(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear persisted session")
	}
}

func (m *Manager) emit(ev Event, sess *Session) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		m.mu.RLock()
		h, ok := m.handlers[id]
		m.mu.RUnlock()
		if ok {
			h(ev, sess.clone())
		}
	}
}
