package requeststore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/notification"
	"github.com/priorauth/priorauth/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRepo struct {
	mu        sync.Mutex
	requests  []*authrequest.Request
	listCalls int
	getCalls  int
	listErrs  []error
	block     chan struct{}
	created   *authrequest.CreateInput
	writeErr  error
}

func (f *fakeRepo) ListForProvider(ctx context.Context, providerID uuid.UUID) ([]*authrequest.Request, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := []*authrequest.Request{}
	for _, r := range f.requests {
		if r.ProviderID == providerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*authrequest.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	for _, r := range f.requests {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("fake.GetByID", "request not found")
}

func (f *fakeRepo) Create(_ context.Context, in *authrequest.CreateInput) (*authrequest.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.created = in
	r := &authrequest.Request{
		ID:          uuid.New(),
		PatientName: in.PatientName,
		Status:      authrequest.StatusPending,
		ProviderID:  in.ProviderID,
		SubmittedAt: time.Now(),
	}
	f.requests = append(f.requests, r)
	return r, nil
}

func (f *fakeRepo) Update(_ context.Context, id uuid.UUID, in *authrequest.UpdateInput) (*authrequest.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	for _, r := range f.requests {
		if r.ID == id {
			if in.Status != nil {
				r.Status = *in.Status
			}
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("fake.Update", "request not found")
}

func (f *fakeRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, r := range f.requests {
		if r.ID == id {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("fake.Delete", "request not found")
}

func (f *fakeRepo) calls() (list, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.getCalls
}

type fakeSessions struct {
	mu       sync.Mutex
	user     string
	handlers map[int]session.Handler
	next     int
}

func newFakeSessions(user string) *fakeSessions {
	return &fakeSessions{user: user, handlers: make(map[int]session.Handler)}
}

func (f *fakeSessions) IdentityContext(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == "" {
		return nil, apperr.Auth("fake.IdentityContext", "not signed in", nil)
	}
	return auth.WithIdentity(ctx, auth.Identity{UserID: f.user, Role: "authenticated"}), nil
}

func (f *fakeSessions) OnSessionChange(h session.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeSessions) switchTo(user string) {
	f.mu.Lock()
	f.user = user
	hs := make([]session.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	ev := session.EventSignedIn
	var sess *session.Session
	if user == "" {
		ev = session.EventSignedOut
	} else {
		sess = &session.Session{User: session.User{ID: user}}
	}
	for _, h := range hs {
		h(ev, sess)
	}
}

func (f *fakeSessions) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []notification.Notification
}

func (r *recordingNotifier) Notify(level notification.Level, title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, notification.Notification{Level: level, Title: title, Message: message})
}

func (r *recordingNotifier) last() notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return notification.Notification{}
	}
	return r.items[len(r.items)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var (
	drSmith = uuid.MustParse("7b0a4c4e-4a55-4c3b-9d0e-6b4f2a1f0c11")
	drJones = uuid.MustParse("1d6e2b8c-5f0a-4e63-8c44-2f9a7e3b6d22")
)

type harness struct {
	store    *Store
	repo     *fakeRepo
	sessions *fakeSessions
	notes    *recordingNotifier
	clock    *clock
}

func newHarness(t *testing.T, user uuid.UUID) *harness {
	t.Helper()
	h := &harness{
		repo:     &fakeRepo{},
		sessions: newFakeSessions(user.String()),
		notes:    &recordingNotifier{},
		clock:    &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.store = New(h.repo, h.sessions, h.notes, zerolog.Nop(), Options{
		StaleTime:  30 * time.Second,
		Retries:    2,
		RetryDelay: time.Millisecond,
	})
	h.store.now = h.clock.Now
	t.Cleanup(h.store.Close)
	return h
}

func (h *harness) seed(provider uuid.UUID, name string) *authrequest.Request {
	r := &authrequest.Request{
		ID:          uuid.New(),
		PatientName: name,
		Status:      authrequest.StatusPending,
		ProviderID:  provider,
	}
	h.repo.mu.Lock()
	h.repo.requests = append(h.repo.requests, r)
	h.repo.mu.Unlock()
	return r
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestList_FreshEntryServedFromCache(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drSmith, "Jane Doe")

	for i := 0; i < 3; i++ {
		snap := h.store.List(context.Background())
		if snap.Err != nil {
			t.Fatalf("unexpected error: %v", snap.Err)
		}
		if len(snap.Requests) != 1 {
			t.Fatalf("expected 1 request, got %d", len(snap.Requests))
		}
		if snap.Stale {
			t.Error("expected fresh snapshot")
		}
	}
	if list, _ := h.repo.calls(); list != 1 {
		t.Errorf("expected 1 repository call, got %d", list)
	}
}

func TestList_EmptyIsNotAnError(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drJones, "Someone Else")

	snap := h.store.List(context.Background())
	if snap.Err != nil {
		t.Fatalf("unexpected error: %v", snap.Err)
	}
	if snap.Requests == nil || len(snap.Requests) != 0 {
		t.Errorf("expected empty non-nil list, got %v", snap.Requests)
	}
}

func TestList_StaleEntryServedWhileRevalidating(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drSmith, "Jane Doe")

	h.store.List(context.Background())
	h.seed(drSmith, "John Roe")
	h.clock.Advance(31 * time.Second)

	snap := h.store.List(context.Background())
	if !snap.Stale {
		t.Error("expected stale snapshot")
	}
	if len(snap.Requests) != 1 {
		t.Fatalf("expected stale data with 1 request, got %d", len(snap.Requests))
	}

	waitUntil(t, func() bool {
		list, _ := h.repo.calls()
		return list == 2
	})
	waitUntil(t, func() bool {
		snap := h.store.List(context.Background())
		return len(snap.Requests) == 2 && !snap.Stale
	})
}

func TestList_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drSmith, "Jane Doe")
	h.repo.listErrs = []error{
		apperr.Repository("fake.List", errors.New("connection reset")),
		apperr.Network("fake.List", errors.New("timeout")),
	}

	snap := h.store.List(context.Background())
	if snap.Err != nil {
		t.Fatalf("expected success after retries, got %v", snap.Err)
	}
	if list, _ := h.repo.calls(); list != 3 {
		t.Errorf("expected 3 attempts, got %d", list)
	}
}

func TestList_GivesUpAfterRetries(t *testing.T) {
	h := newHarness(t, drSmith)
	boom := apperr.Repository("fake.List", errors.New("unavailable"))
	h.repo.listErrs = []error{boom, boom, boom, boom}

	snap := h.store.List(context.Background())
	if !apperr.Is(snap.Err, apperr.KindRepository) {
		t.Fatalf("expected repository error, got %v", snap.Err)
	}
	if list, _ := h.repo.calls(); list != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d", list)
	}
}

func TestList_DoesNotRetryPermanentFailures(t *testing.T) {
	h := newHarness(t, drSmith)
	h.repo.listErrs = []error{apperr.Auth("fake.List", "permission denied", nil)}

	snap := h.store.List(context.Background())
	if !apperr.Is(snap.Err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", snap.Err)
	}
	if list, _ := h.repo.calls(); list != 1 {
		t.Errorf("expected a single attempt, got %d", list)
	}
}

func TestList_RetryHonoursCancellation(t *testing.T) {
	h := newHarness(t, drSmith)
	h.store.opts.RetryDelay = time.Hour
	h.repo.listErrs = []error{apperr.Network("fake.List", errors.New("timeout"))}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Snapshot, 1)
	go func() { done <- h.store.List(ctx) }()

	waitUntil(t, func() bool {
		list, _ := h.repo.calls()
		return list == 1
	})
	cancel()

	select {
	case snap := <-done:
		if !errors.Is(snap.Err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", snap.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("List did not return after cancellation")
	}
}

func TestList_ConcurrentReadsShareOneFetch(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drSmith, "Jane Doe")
	h.repo.block = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Snapshot, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.store.List(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(h.repo.block)
	wg.Wait()

	for i, snap := range results {
		if snap.Err != nil || len(snap.Requests) != 1 {
			t.Errorf("result %d: unexpected snapshot %+v", i, snap)
		}
	}
	if list, _ := h.repo.calls(); list != 1 {
		t.Errorf("expected 1 shared repository call, got %d", list)
	}
}

func TestList_CancelledCallerDoesNotFailSharedRead(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drSmith, "Jane Doe")
	h.repo.block = make(chan struct{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leader := make(chan Snapshot, 1)
	go func() { leader <- h.store.List(leaderCtx) }()
	time.Sleep(20 * time.Millisecond)

	follower := make(chan Snapshot, 1)
	go func() { follower <- h.store.List(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	select {
	case snap := <-leader:
		if !errors.Is(snap.Err, context.Canceled) {
			t.Errorf("leader: expected context.Canceled, got %v", snap.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("leader did not return after cancellation")
	}

	close(h.repo.block)
	select {
	case snap := <-follower:
		if snap.Err != nil || len(snap.Requests) != 1 {
			t.Errorf("follower: unexpected snapshot err=%v requests=%d", snap.Err, len(snap.Requests))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not return")
	}
	if list, _ := h.repo.calls(); list != 1 {
		t.Errorf("expected 1 shared repository call, got %d", list)
	}
}

func TestList_NotSignedIn(t *testing.T) {
	h := newHarness(t, drSmith)
	h.sessions.switchTo("")

	snap := h.store.List(context.Background())
	if !apperr.Is(snap.Err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", snap.Err)
	}
	if list, _ := h.repo.calls(); list != 0 {
		t.Errorf("expected no repository calls, got %d", list)
	}
}

func TestGet_CachedPerID(t *testing.T) {
	h := newHarness(t, drSmith)
	r := h.seed(drSmith, "Jane Doe")

	for i := 0; i < 2; i++ {
		got, err := h.store.Get(context.Background(), r.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.PatientName != "Jane Doe" {
			t.Errorf("expected Jane Doe, got %s", got.PatientName)
		}
	}
	if _, get := h.repo.calls(); get != 1 {
		t.Errorf("expected 1 repository call, got %d", get)
	}

	if _, err := h.store.Get(context.Background(), uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func TestCreate_AttachesProviderAndInvalidatesList(t *testing.T) {
	h := newHarness(t, drSmith)
	h.store.List(context.Background())

	req, err := h.store.Create(context.Background(), &authrequest.CreateInput{
		PatientName: "Jane Doe",
		ProviderID:  drJones,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ProviderID != drSmith {
		t.Errorf("expected provider from session, got %s", req.ProviderID)
	}
	if h.notes.last().Level != notification.LevelSuccess {
		t.Errorf("expected success notification, got %+v", h.notes.last())
	}

	snap := h.store.List(context.Background())
	if len(snap.Requests) != 1 {
		t.Fatalf("expected refetched list with 1 request, got %d", len(snap.Requests))
	}
	if list, _ := h.repo.calls(); list != 2 {
		t.Errorf("expected list refetch after create, got %d calls", list)
	}
}

func TestCreate_WithoutSessionFails(t *testing.T) {
	h := newHarness(t, drSmith)
	h.sessions.switchTo("")

	_, err := h.store.Create(context.Background(), &authrequest.CreateInput{PatientName: "Jane Doe"})
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if h.repo.created != nil {
		t.Error("repository should not have been called")
	}
	if h.notes.last().Level != notification.LevelError {
		t.Errorf("expected error notification, got %+v", h.notes.last())
	}
}

func TestUpdate_FailureLeavesCacheIntact(t *testing.T) {
	h := newHarness(t, drSmith)
	r := h.seed(drSmith, "Jane Doe")
	h.store.List(context.Background())

	h.repo.writeErr = apperr.Repository("fake.Update", errors.New("unavailable"))
	approved := authrequest.StatusApproved
	_, err := h.store.Update(context.Background(), r.ID, &authrequest.UpdateInput{Status: &approved})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := h.notes.last(); n.Level != notification.LevelError || n.Title != "Failed to update request" {
		t.Errorf("unexpected notification %+v", n)
	}

	h.store.List(context.Background())
	if list, _ := h.repo.calls(); list != 1 {
		t.Errorf("expected cached list after failed update, got %d calls", list)
	}
}

func TestUpdate_InvalidatesDetailAndList(t *testing.T) {
	h := newHarness(t, drSmith)
	r := h.seed(drSmith, "Jane Doe")
	h.store.List(context.Background())
	h.store.Get(context.Background(), r.ID)

	denied := authrequest.StatusDenied
	if _, err := h.store.Update(context.Background(), r.ID, &authrequest.UpdateInput{Status: &denied}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := h.store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != authrequest.StatusDenied {
		t.Errorf("expected DENIED after refetch, got %s", got.Status)
	}
	list, get := h.repo.calls()
	if list != 1 || get != 2 {
		t.Errorf("expected detail refetch only so far, got list=%d get=%d", list, get)
	}
	h.store.List(context.Background())
	if list, _ := h.repo.calls(); list != 2 {
		t.Errorf("expected list refetch after update, got %d", list)
	}
}

func TestDelete_RemovesFromList(t *testing.T) {
	h := newHarness(t, drSmith)
	r := h.seed(drSmith, "Jane Doe")
	h.store.List(context.Background())

	if err := h.store.Delete(context.Background(), r.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := h.store.List(context.Background()); len(snap.Requests) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(snap.Requests))
	}
	if n := h.notes.last(); n.Title != "Request deleted" {
		t.Errorf("unexpected notification %+v", n)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestSessionChange_DropsPreviousUsersEntries(t *testing.T) {
	h := newHarness(t, drSmith)
	h.seed(drSmith, "Jane Doe")
	h.seed(drJones, "John Roe")

	if snap := h.store.List(context.Background()); snap.Requests[0].PatientName != "Jane Doe" {
		t.Fatalf("unexpected first list %+v", snap.Requests)
	}

	h.sessions.switchTo(drJones.String())
	snap := h.store.List(context.Background())
	if len(snap.Requests) != 1 || snap.Requests[0].PatientName != "John Roe" {
		t.Fatalf("expected Dr. Jones's requests, got %+v", snap.Requests)
	}

	h.sessions.switchTo(drSmith.String())
	h.store.List(context.Background())
	if list, _ := h.repo.calls(); list != 3 {
		t.Errorf("expected refetch after each user change, got %d", list)
	}
}

func TestClose_Unsubscribes(t *testing.T) {
	repo := &fakeRepo{}
	sessions := newFakeSessions(drSmith.String())
	s := New(repo, sessions, &recordingNotifier{}, zerolog.Nop(), DefaultOptions)
	if sessions.subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", sessions.subscribers())
	}
	s.Close()
	if sessions.subscribers() != 0 {
		t.Errorf("expected 0 subscribers after Close, got %d", sessions.subscribers())
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{Retries: -1}.withDefaults()
	if o.StaleTime != 30*time.Second || o.RetryDelay != time.Second || o.Retries != 0 {
		t.Errorf("unexpected defaults %+v", o)
	}
}
