// Package requeststore is the client-side cache in front of the request
// repository. Reads are served stale-while-revalidate and deduplicated;
// writes go straight to the repository and invalidate what they touched.
package requeststore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/notification"
	"github.com/priorauth/priorauth/internal/session"
)

// SessionSource is the part of the session manager the store needs.
type SessionSource interface {
	IdentityContext(ctx context.Context) (context.Context, error)
	OnSessionChange(h session.Handler) (unsubscribe func())
}

type Options struct {
	StaleTime  time.Duration
	Retries    int
	RetryDelay time.Duration
	// FetchTimeout bounds a shared read, which outlives any single caller.
	FetchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.StaleTime <= 0 {
		o.StaleTime = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	return o
}

// DefaultOptions: 30s stale time, two retries one second apart.
var DefaultOptions = Options{StaleTime: 30 * time.Second, Retries: 2, RetryDelay: time.Second, FetchTimeout: 30 * time.Second}

// Snapshot is the result of a list read. Refreshing is true while a
// background revalidation of a stale result is in flight.
type Snapshot struct {
	Requests   []*authrequest.Request
	Err        error
	FetchedAt  time.Time
	Stale      bool
	Refreshing bool
}

type entry struct {
	value     interface{}
	fetchedAt time.Time
}

type Store struct {
	repo     authrequest.Repository
	sessions SessionSource
	notifier notification.Notifier
	logger   zerolog.Logger
	opts     Options
	now      func() time.Time

	mu         sync.Mutex
	user       string
	epoch      uint64
	entries    map[string]*entry
	gens       map[string]uint64
	refreshing map[string]bool

	group       singleflight.Group
	unsubscribe func()
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup
}

func New(repo authrequest.Repository, sessions SessionSource, notifier notification.Notifier, logger zerolog.Logger, opts Options) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		repo:       repo,
		sessions:   sessions,
		notifier:   notifier,
		logger:     logger.With().Str("component", "requeststore").Logger(),
		opts:       opts.withDefaults(),
		now:        time.Now,
		entries:    make(map[string]*entry),
		gens:       make(map[string]uint64),
		refreshing: make(map[string]bool),
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
	s.unsubscribe = sessions.OnSessionChange(s.onSessionChange)
	return s
}

// Close unregisters from the session manager and stops background
// revalidation.
func (s *Store) Close() {
	s.unsubscribe()
	s.bgCancel()
	s.bg.Wait()
}

func listKey(user string) string {
	return "list:" + user
}

func detailKey(user string, id uuid.UUID) string {
	return "detail:" + user + ":" + id.String()
}

// List returns the signed-in provider's requests, newest first.
func (s *Store) List(ctx context.Context) Snapshot {
	idCtx, user, err := s.identity(ctx)
	if err != nil {
		return Snapshot{Err: err}
	}
	providerID, err := uuid.Parse(user)
	if err != nil {
		return Snapshot{Err: apperr.Auth("requeststore.List", "session user id is not a uuid", err)}
	}

	key := listKey(user)
	v, meta, err := s.read(idCtx, user, key, func(ctx context.Context) (interface{}, error) {
		return s.repo.ListForProvider(ctx, providerID)
	})
	if err != nil {
		return Snapshot{Err: err}
	}
	return Snapshot{
		Requests:   v.([]*authrequest.Request),
		FetchedAt:  meta.fetchedAt,
		Stale:      meta.stale,
		Refreshing: meta.refreshing,
	}
}

// Get returns one request by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*authrequest.Request, error) {
	idCtx, user, err := s.identity(ctx)
	if err != nil {
		return nil, err
	}
	v, _, err := s.read(idCtx, user, detailKey(user, id), func(ctx context.Context) (interface{}, error) {
		return s.repo.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*authrequest.Request), nil
}

// Create submits a new request for the signed-in provider. Status is
// always PENDING and the provider is taken from the session.
func (s *Store) Create(ctx context.Context, in *authrequest.CreateInput) (*authrequest.Request, error) {
	const title = "Failed to create request"

	idCtx, user, err := s.identity(ctx)
	if err != nil {
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return nil, err
	}
	providerID, err := uuid.Parse(user)
	if err != nil {
		err = apperr.Auth("requeststore.Create", "session user id is not a uuid", err)
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return nil, err
	}
	if in == nil {
		in = &authrequest.CreateInput{}
	}
	in.ProviderID = providerID

	req, err := s.repo.Create(idCtx, in)
	if err != nil {
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return nil, err
	}

	s.invalidate(listKey(user), detailKey(user, req.ID))
	s.notifier.Notify(notification.LevelSuccess, "Authorization request created", "")
	return req, nil
}

// Update applies a partial update. Concurrent updates are last-writer-wins
// unless in.ExpectedUpdatedAt is set.
func (s *Store) Update(ctx context.Context, id uuid.UUID, in *authrequest.UpdateInput) (*authrequest.Request, error) {
	const title = "Failed to update request"

	idCtx, user, err := s.identity(ctx)
	if err != nil {
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return nil, err
	}

	req, err := s.repo.Update(idCtx, id, in)
	if err != nil {
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return nil, err
	}

	s.invalidate(listKey(user), detailKey(user, id))
	s.notifier.Notify(notification.LevelSuccess, "Request updated", "")
	return req, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	const title = "Failed to delete request"

	idCtx, user, err := s.identity(ctx)
	if err != nil {
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return err
	}

	if err := s.repo.Delete(idCtx, id); err != nil {
		s.notifier.Notify(notification.LevelError, title, apperr.Message(err))
		return err
	}

	s.invalidate(listKey(user), detailKey(user, id))
	s.notifier.Notify(notification.LevelSuccess, "Request deleted", "")
	return nil
}

// identity resolves the caller and drops the cache if the user changed
// since the last call.
func (s *Store) identity(ctx context.Context) (context.Context, string, error) {
	idCtx, err := s.sessions.IdentityContext(ctx)
	if err != nil {
		return nil, "", err
	}
	user := auth.UserIDFromContext(idCtx)

	s.mu.Lock()
	if s.user != user {
		s.resetLocked(user)
	}
	s.mu.Unlock()

	return idCtx, user, nil
}

func (s *Store) onSessionChange(ev session.Event, sess *session.Session) {
	user := ""
	if sess != nil {
		user = sess.User.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev == session.EventSignedOut || user != s.user {
		s.resetLocked(user)
	}
}

func (s *Store) resetLocked(user string) {
	if len(s.entries) > 0 {
		s.logger.Debug().Str("previous_user", s.user).Int("entries", len(s.entries)).Msg("dropping cache for previous user")
	}
	s.user = user
	s.epoch++
	s.entries = make(map[string]*entry)
	s.refreshing = make(map[string]bool)
}

func (s *Store) invalidate(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.gens[k]++
		delete(s.entries, k)
	}
}

type readMeta struct {
	fetchedAt  time.Time
	stale      bool
	refreshing bool
}

type fetchFunc func(ctx context.Context) (interface{}, error)

// read serves key from cache when fresh, from cache plus a background
// revalidation when stale, and fetches synchronously otherwise.
func (s *Store) read(ctx context.Context, user, key string, fn fetchFunc) (interface{}, readMeta, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		age := s.now().Sub(e.fetchedAt)
		if age < s.opts.StaleTime {
			s.mu.Unlock()
			return e.value, readMeta{fetchedAt: e.fetchedAt}, nil
		}
		started := s.startRefreshLocked(user, key, fn)
		refreshing := s.refreshing[key]
		s.mu.Unlock()
		if started {
			s.logger.Debug().Str("key", key).Msg("serving stale entry, revalidating")
		}
		return e.value, readMeta{fetchedAt: e.fetchedAt, stale: true, refreshing: refreshing}, nil
	}
	s.mu.Unlock()

	v, fetchedAt, err := s.fetch(ctx, user, key, fn)
	if err != nil {
		return nil, readMeta{}, err
	}
	return v, readMeta{fetchedAt: fetchedAt}, nil
}

func (s *Store) startRefreshLocked(user, key string, fn fetchFunc) bool {
	if s.refreshing[key] {
		return false
	}
	s.refreshing[key] = true
	epoch := s.epoch

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		var err error
		ctx, idErr := s.sessions.IdentityContext(s.bgCtx)
		if idErr != nil {
			err = idErr
		} else if auth.UserIDFromContext(ctx) != user {
			err = apperr.Auth("requeststore.revalidate", "session changed", nil)
		} else {
			_, _, err = s.fetch(ctx, user, key, fn)
		}

		s.mu.Lock()
		if s.epoch == epoch {
			delete(s.refreshing, key)
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("background revalidation failed")
		}
	}()
	return true
}

// fetch runs fn with retries, sharing one in-flight call per key and
// generation. The result is cached only if no invalidation or user change
// happened meanwhile.
func (s *Store) fetch(ctx context.Context, user, key string, fn fetchFunc) (interface{}, time.Time, error) {
	s.mu.Lock()
	gen := s.gens[key]
	epoch := s.epoch
	s.mu.Unlock()

	flightKey := key + "#" + strconv.FormatUint(epoch, 10) + "." + strconv.FormatUint(gen, 10)
	// The shared call keeps the caller's values (identity) but not its
	// cancellation: one caller leaving must not fail the others.
	ch := s.group.DoChan(flightKey, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
		defer cancel()
		return s.withRetry(shared, key, fn)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, time.Time{}, res.Err
	}
	v := res.Val

	fetchedAt := s.now()
	s.mu.Lock()
	if s.gens[key] == gen && s.epoch == epoch && s.user == user {
		s.entries[key] = &entry{value: v, fetchedAt: fetchedAt}
	}
	s.mu.Unlock()
	return v, fetchedAt, nil
}

func (s *Store) withRetry(ctx context.Context, key string, fn fetchFunc) (interface{}, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !apperr.Transient(err) || attempt >= s.opts.Retries {
			return nil, err
		}
		s.logger.Debug().Err(err).Str("key", key).Int("attempt", attempt+1).Msg("retrying read")

		timer := time.NewTimer(s.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
