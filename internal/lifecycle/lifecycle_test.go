package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dash/internal/config"
	"github.com/example/ride-dash/internal/logging"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/storage"
)

type sms struct{ to, body string }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sms
}

func (n *fakeNotifier) Notify(to, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sms{to, body})
}

func (n *fakeNotifier) all() []sms {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sms(nil), n.sent...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.RideEvent
}

func (f *fakeSink) Publish(_ context.Context, ev models.RideEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakePhones struct{ saved map[string]string }

func (f *fakePhones) RememberPhone(_ context.Context, uid, phone string) error {
	f.saved[uid] = phone
	return nil
}

var (
	pat = session.Session{UserID: "p1", Email: "pat@x.com", DisplayName: "Pat", Role: models.RolePassenger}
	dee = session.Session{UserID: "d1", Email: "dee@x.com", DisplayName: "Dee", Role: models.RoleDriver}
	dan = session.Session{UserID: "d2", Email: "dan@x.com", DisplayName: "Dan", Role: models.RoleDriver}
)

type harness struct {
	svc      *Service
	store    storage.RideStore
	notifier *fakeNotifier
	sink     *fakeSink
	phones   *fakePhones
}

func newHarness(t *testing.T, store storage.RideStore, mode config.AcceptMode) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		notifier: &fakeNotifier{},
		sink:     &fakeSink{},
		phones:   &fakePhones{saved: map[string]string{}},
	}
	h.svc = NewService(store, h.phones, h.notifier, h.sink, logging.Discard(), Options{
		Mode:       mode,
		AppName:    "Ride Dash",
		AppURL:     "https://dash.example",
		AdminPhone: "+1admin",
	})
	return h
}

func calgaryRequest() RideRequest {
	return RideRequest{
		Pickup:  &models.Location{Lat: 51.05, Lng: -114.07, Address: "1 Main St, Beltline"},
		Dropoff: &models.Location{Lat: 51.06, Lng: -114.08},
		Phone:   "555-0123",
	}
}

func (h *harness) request(t *testing.T) *models.Ride {
	t.Helper()
	r, err := h.svc.Request(context.Background(), pat, calgaryRequest())
	require.NoError(t, err)
	return r
}

func TestTransitionGraph(t *testing.T) {
	all := []models.Status{
		models.StatusRequested, models.StatusAccepted, models.StatusEnRoute, models.StatusArrived,
		models.StatusInProgress, models.StatusCompleted, models.StatusCancelled,
	}
	edges := map[[2]models.Status]bool{
		{models.StatusRequested, models.StatusAccepted}:   true,
		{models.StatusRequested, models.StatusCancelled}:  true,
		{models.StatusAccepted, models.StatusEnRoute}:     true,
		{models.StatusAccepted, models.StatusCancelled}:   true,
		{models.StatusEnRoute, models.StatusArrived}:      true,
		{models.StatusEnRoute, models.StatusCancelled}:    true,
		{models.StatusArrived, models.StatusInProgress}:   true,
		{models.StatusArrived, models.StatusCancelled}:    true,
		{models.StatusInProgress, models.StatusCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, edges[[2]models.Status{from, to}], CanTransition(from, to), "%s → %s", from, to)
		}
	}

	next, ok := Next(models.StatusAccepted)
	assert.True(t, ok)
	assert.Equal(t, models.StatusEnRoute, next)
	_, ok = Next(models.StatusRequested)
	assert.False(t, ok)
	_, ok = Next(models.StatusCompleted)
	assert.False(t, ok)
}

func TestRequestCreatesRideAndAlertsAdmin(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	r := h.request(t)

	assert.Equal(t, models.StatusRequested, r.Status)
	assert.Equal(t, "555-0123", r.PassengerPhone)
	assert.Equal(t, "p1", r.PassengerID)
	assert.Equal(t, "Pat", r.PassengerName)
	assert.Equal(t, "3 mins", r.EstimatedTime)
	assert.Empty(t, r.DriverID)

	sent := h.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "+1admin", sent[0].to)
	assert.Equal(t, "New Ride Request from Pat!\nPickup: 1 Main St, Beltline\nTime: Now\n\nView Ride: https://dash.example", sent[0].body)

	assert.Equal(t, "555-0123", h.phones.saved["p1"])
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, models.EventRideRequested, h.sink.events[0].Type)
}

func TestRequestPreconditions(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	ctx := context.Background()

	noPhone := calgaryRequest()
	noPhone.Phone = ""
	_, err := h.svc.Request(ctx, pat, noPhone)
	assert.ErrorIs(t, err, ErrMissingField)

	noPickup := calgaryRequest()
	noPickup.Pickup = nil
	_, err = h.svc.Request(ctx, pat, noPickup)
	assert.ErrorIs(t, err, ErrMissingField)

	past := calgaryRequest()
	yesterday := time.Now().Add(-24 * time.Hour)
	past.ScheduledTime = &yesterday
	_, err = h.svc.Request(ctx, pat, past)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Request(ctx, dee, calgaryRequest())
	assert.ErrorIs(t, err, ErrNotAuthorized)

	rides, err := h.store.Query(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Empty(t, rides)
	assert.Empty(t, h.notifier.all())
}

func TestRequestUsesSessionPhoneAndSchedule(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	withPhone := pat
	withPhone.Phone = "555-0999"
	req := calgaryRequest()
	req.Phone = ""
	tomorrow := time.Date(2099, 3, 4, 17, 30, 0, 0, time.UTC)
	req.ScheduledTime = &tomorrow

	r, err := h.svc.Request(context.Background(), withPhone, req)
	require.NoError(t, err)
	assert.Equal(t, "555-0999", r.PassengerPhone)
	require.NotNil(t, r.ScheduledTime)
	assert.True(t, r.ScheduledTime.Equal(tomorrow))
	assert.Empty(t, h.phones.saved)
	assert.Contains(t, h.notifier.all()[0].body, "Scheduled for: Wed Mar 4, 2099 5:30 PM UTC")
}

func TestRequestRejectsSecondActiveRide(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	h.request(t)
	_, err := h.svc.Request(context.Background(), pat, calgaryRequest())
	assert.ErrorIs(t, err, ErrRideInProgress)
}

func TestAcceptAndPassengerViewConverges(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newHarness(t, store, config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)

	claimable, err := store.Query(ctx, storage.ClaimableQuery())
	require.NoError(t, err)
	require.Len(t, claimable, 1)

	sub, err := store.Subscribe(ctx, storage.ActiveRideQuery(pat.UserID))
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Updates()

	got, err := h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, "Dee", got.DriverName)
	require.NotNil(t, got.AcceptedAt)

	select {
	case view := <-sub.Updates():
		require.Len(t, view, 1)
		assert.Equal(t, models.StatusAccepted, view[0].Status)
		assert.Equal(t, "Dee", view[0].DriverName)
	case <-time.After(time.Second):
		t.Fatal("passenger view did not converge")
	}

	sent := h.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, sms{"555-0123", "Your ride has been accepted by Dee!"}, sent[1])
}

func TestAcceptRules(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)

	_, err := h.svc.Accept(ctx, pat, r.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = h.svc.Accept(ctx, dee, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)

	_, err = h.svc.Accept(ctx, dan, r.ID)
	assert.ErrorIs(t, err, ErrAlreadyAccepted)

	// Dee is now busy and cannot take a second ride.
	other := session.Session{UserID: "p2", DisplayName: "Pia", Role: models.RolePassenger}
	r2, err := h.svc.Request(ctx, other, calgaryRequest())
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, dee, r2.ID)
	assert.ErrorIs(t, err, ErrDriverBusy)

	_, err = h.svc.Cancel(ctx, other, r2.ID)
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, dan, r2.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// lockstepStore makes the first two reads wait for each other, so two
// accepts both validate against status requested before either writes.
type lockstepStore struct {
	*storage.MemoryStore
	arrived sync.WaitGroup
	reads   atomic.Int32
}

func newLockstepStore() *lockstepStore {
	s := &lockstepStore{MemoryStore: storage.NewMemoryStore()}
	s.arrived.Add(2)
	return s
}

func (s *lockstepStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.MemoryStore.Get(ctx, id)
	if s.reads.Add(1) <= 2 {
		s.arrived.Done()
		s.arrived.Wait()
	}
	return r, err
}

func raceAccept(t *testing.T, mode config.AcceptMode) (*harness, string, [2]error) {
	t.Helper()
	store := newLockstepStore()
	ride, err := store.MemoryStore.Create(context.Background(), &models.Ride{PassengerID: "p1", PassengerPhone: "555-0123", Status: models.StatusRequested})
	require.NoError(t, err)
	id := ride.ID

	h := newHarness(t, store, mode)
	var errs [2]error
	var wg sync.WaitGroup
	for i, d := range []session.Session{dee, dan} {
		wg.Add(1)
		go func(i int, d session.Session) {
			defer wg.Done()
			_, errs[i] = h.svc.Accept(context.Background(), d, id)
		}(i, d)
	}
	wg.Wait()
	return h, id, errs
}

func TestConcurrentAcceptConditional(t *testing.T) {
	h, id, errs := raceAccept(t, config.AcceptConditional)

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrAlreadyAccepted)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	r, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	winner := "d1"
	if errs[0] != nil {
		winner = "d2"
	}
	assert.Equal(t, winner, r.DriverID)
}

func TestConcurrentAcceptLastWriteWins(t *testing.T) {
	h, id, errs := raceAccept(t, config.AcceptLastWriteWins)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	r, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, []string{"d1", "d2"}, r.DriverID)
	assert.Equal(t, models.StatusAccepted, r.Status)
}

func TestDriverPathToCompletion(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)
	_, err := h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)

	_, err = h.svc.Advance(ctx, dee, r.ID, models.StatusArrived)
	assert.ErrorIs(t, err, ErrInvalidTransition, "skipping en_route")
	_, err = h.svc.Advance(ctx, dan, r.ID, models.StatusEnRoute)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = h.svc.Advance(ctx, dee, r.ID, models.StatusAccepted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.svc.Advance(ctx, dee, r.ID, models.StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, to := range []models.Status{models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		got, err := h.svc.Advance(ctx, dee, r.ID, to)
		require.NoError(t, err, to)
		assert.Equal(t, to, got.Status)
	}

	final, err := h.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, final.EnRouteAt)
	assert.NotNil(t, final.ArrivedAt)
	assert.NotNil(t, final.InProgressAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.CancelledAt)

	var bodies []string
	for _, m := range h.notifier.all()[1:] {
		assert.Equal(t, "555-0123", m.to)
		bodies = append(bodies, m.body)
	}
	assert.Equal(t, []string{
		"Your ride has been accepted by Dee!",
		"Driver is en route!",
		"Driver has arrived!",
		"Ride started!",
		"Ride completed. Thanks for riding with Ride Dash!",
	}, bodies)

	_, err = h.svc.Cancel(ctx, pat, r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// blindAfterWrite loses read access once a conditional write has landed.
type blindAfterWrite struct {
	*storage.MemoryStore
	written atomic.Bool
}

func (s *blindAfterWrite) UpdateIf(ctx context.Context, id string, cond storage.Condition, patch storage.Patch) error {
	if err := s.MemoryStore.UpdateIf(ctx, id, cond, patch); err != nil {
		return err
	}
	s.written.Store(true)
	return nil
}

func (s *blindAfterWrite) Get(ctx context.Context, id string) (*models.Ride, error) {
	if s.written.Load() {
		return nil, errors.New("read replica unavailable")
	}
	return s.MemoryStore.Get(ctx, id)
}

func TestTransitionSurvivesFailedReload(t *testing.T) {
	store := &blindAfterWrite{MemoryStore: storage.NewMemoryStore()}
	h := newHarness(t, store, config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)

	got, err := h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, "Dee", got.DriverName)
	assert.NotNil(t, got.AcceptedAt)
	assert.Equal(t, r.PassengerPhone, got.PassengerPhone)

	sent := h.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, sms{"555-0123", "Your ride has been accepted by Dee!"}, sent[1])

	stored, err := store.MemoryStore.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
}

func TestCancelEnRoute(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newHarness(t, store, config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)
	_, err := h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	_, err = h.svc.Advance(ctx, dee, r.ID, models.StatusEnRoute)
	require.NoError(t, err)
	before := len(h.notifier.all())

	stranger := session.Session{UserID: "x", Role: models.RolePassenger}
	_, err = h.svc.Cancel(ctx, stranger, r.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	got, err := h.svc.Cancel(ctx, pat, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Len(t, h.notifier.all(), before)

	for _, uid := range []string{pat.UserID, dee.UserID} {
		active, err := store.Query(ctx, storage.ActiveRideQuery(uid))
		require.NoError(t, err)
		assert.Empty(t, active, uid)
	}

	_, err = h.svc.Cancel(ctx, pat, r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDriverCanCancel(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptLastWriteWins)
	ctx := context.Background()
	r := h.request(t)
	_, err := h.svc.Cancel(ctx, dee, r.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized, "unassigned driver")

	_, err = h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	got, err := h.svc.Cancel(ctx, dee, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestRateOnce(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptLastWriteWins)
	ctx := context.Background()
	r := h.request(t)

	_, err := h.svc.Rate(ctx, pat, r.ID, 5)
	assert.ErrorIs(t, err, ErrInvalidTransition, "not completed yet")

	_, err = h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	for _, to := range []models.Status{models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		_, err = h.svc.Advance(ctx, dee, r.ID, to)
		require.NoError(t, err)
	}

	_, err = h.svc.Rate(ctx, pat, r.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.Rate(ctx, dee, r.ID, 5)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	got, err := h.svc.Rate(ctx, pat, r.ID, 4)
	require.NoError(t, err)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4, *got.Rating)
	require.NotNil(t, got.RatedAt)
	ratedAt := *got.RatedAt

	again, err := h.svc.Rate(ctx, pat, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, *again.Rating)
	assert.True(t, again.RatedAt.Equal(ratedAt))
	assert.Equal(t, models.StatusCompleted, again.Status)
}

func TestGetVisibility(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)

	_, err := h.svc.Get(ctx, pat, r.ID)
	assert.NoError(t, err)
	_, err = h.svc.Get(ctx, dan, r.ID)
	assert.NoError(t, err, "claimable rides are visible to drivers")

	_, err = h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	_, err = h.svc.Get(ctx, dan, r.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = h.svc.Get(ctx, session.Session{UserID: "x"}, r.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestEventsFollowTransitions(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), config.AcceptConditional)
	ctx := context.Background()
	r := h.request(t)
	_, err := h.svc.Accept(ctx, dee, r.ID)
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, pat, r.ID)
	require.NoError(t, err)

	require.Len(t, h.sink.events, 3)
	ev := h.sink.events[1]
	assert.Equal(t, models.EventStatusChanged, ev.Type)
	assert.Equal(t, models.StatusRequested, ev.From)
	assert.Equal(t, models.StatusAccepted, ev.Status)
	assert.Equal(t, "d1", ev.DriverID)
	assert.Equal(t, models.StatusCancelled, h.sink.events[2].Status)
	assert.False(t, ev.At.IsZero())
}

func TestStatusMessage(t *testing.T) {
	r := &models.Ride{DriverName: "Dee"}
	cases := map[models.Status]string{
		models.StatusRequested:  "Waiting for a driver...",
		models.StatusAccepted:   "Dee accepted your ride!",
		models.StatusEnRoute:    "Dee is on the way!",
		models.StatusArrived:    "Dee has arrived!",
		models.StatusInProgress: "Ride in progress",
		models.StatusCompleted:  "Ride completed",
		models.Status("bogus"):  "Unknown status",
	}
	for st, want := range cases {
		r.Status = st
		assert.Equal(t, want, StatusMessage(r))
	}
}

func TestAdminAlertFallbacks(t *testing.T) {
	msg := adminAlert("", models.Location{}, nil, "u")
	assert.True(t, strings.HasPrefix(msg, "New Ride Request from Passenger!\nPickup: Location Selected\nTime: Now"))
}
