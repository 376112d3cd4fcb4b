package pairing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TTL = 2 * time.Minute
	cfg.Grace = 10 * time.Second
	cfg.Linger = 30 * time.Second
	return cfg
}

type captureAudit struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (a *captureAudit) RecordOutcome(_ context.Context, o Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	return nil
}

func (a *captureAudit) Close() error { return nil }

func (a *captureAudit) last(t *testing.T) Outcome {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.outcomes) == 0 {
		t.Fatalf("no audit outcomes recorded")
	}
	return a.outcomes[len(a.outcomes)-1]
}

func TestCreate_FreshSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	now := time.Now().UTC()

	s, err := reg.Create(now, "conn-b1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(s.ID) != 32 {
		t.Fatalf("id length = %d, want 32 hex chars", len(s.ID))
	}
	if s.State != StateAwaitingScan {
		t.Fatalf("state = %s, want AWAITING_SCAN", s.State)
	}
	if !s.ExpiresAt.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("expires_at = %v", s.ExpiresAt)
	}

	s2, err := reg.Create(now, "conn-b2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s2.ID == s.ID {
		t.Fatalf("duplicate pairing id")
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
}

func TestGet_UnknownID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	if _, err := reg.Get("zzz999", time.Now().UTC()); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestTransition_CASAndMonotonicity(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	now := time.Now().UTC()

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Wrong expected state loses the CAS.
	if _, err := reg.Transition(s.ID, now, StateAwaitingAuth, StateAuthenticated, nil); err != ErrConflict {
		t.Fatalf("want ErrConflict, got %v", err)
	}

	// Legal forward step.
	if _, err := reg.BindMobile(s.ID, now, "conn-m"); err != nil {
		t.Fatalf("BindMobile: %v", err)
	}

	// Backward steps never succeed.
	if _, err := reg.Transition(s.ID, now, StateAwaitingAuth, StateAwaitingScan, nil); err != ErrConflict {
		t.Fatalf("regression allowed: %v", err)
	}

	got, err := reg.Transition(s.ID, now, StateAwaitingAuth, StateAuthenticated, func(ps *Session) {
		ps.Token = "tok-1"
	})
	if err != nil {
		t.Fatalf("Transition to AUTHENTICATED: %v", err)
	}
	if got.Token != "tok-1" {
		t.Fatalf("mutation not applied")
	}
	if got.RelayDeadline.IsZero() {
		t.Fatalf("relay deadline not armed")
	}

	// Terminal state: every further transition fails, replay is distinguishable.
	if _, err := reg.Transition(s.ID, now, StateAwaitingAuth, StateAuthenticated, nil); err != ErrAlreadyAuthenticated {
		t.Fatalf("want ErrAlreadyAuthenticated, got %v", err)
	}
	if _, err := reg.Fail(s.ID, now, "late"); err != ErrAlreadyAuthenticated {
		t.Fatalf("want ErrAlreadyAuthenticated, got %v", err)
	}
}

func TestTransition_ConcurrentAuthSingleWinner(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	now := time.Now().UTC()

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.BindMobile(s.ID, now, "conn-m"); err != nil {
		t.Fatalf("BindMobile: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan string, attempts)

	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := "tok-" + string(rune('a'+i%26))
			_, err := reg.Transition(s.ID, now, StateAwaitingAuth, StateAuthenticated, func(ps *Session) {
				ps.Token = tok
			})
			if err == nil {
				wins <- tok
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for tok := range wins {
		winners = append(winners, tok)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}

	snap, err := reg.Get(s.ID, now)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Token != winners[0] {
		t.Fatalf("stored token %q, winner %q", snap.Token, winners[0])
	}
}

func TestTTL_SessionUnreachableAfterExpiry(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TTL = 120 * time.Second
	reg := NewRegistry(testLogger(), cfg, nil)

	created := time.Now().UTC()
	s, err := reg.Create(created, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// One second before the deadline the session is still live.
	if _, err := reg.Get(s.ID, created.Add(119*time.Second)); err != nil {
		t.Fatalf("Get before TTL: %v", err)
	}

	// Scenario 5: AUTH at T+121s is rejected, no relay.
	late := created.Add(121 * time.Second)
	if _, err := reg.Transition(s.ID, late, StateAwaitingScan, StateAuthenticated, nil); err != ErrExpired {
		t.Fatalf("want ErrExpired, got %v", err)
	}
	if _, err := reg.Get(s.ID, late); err != ErrExpired {
		t.Fatalf("want ErrExpired, got %v", err)
	}

	// After linger the sweeper evicts and lookups miss entirely.
	reg.sweep(late.Add(cfg.Linger))
	if _, err := reg.Get(s.ID, late.Add(cfg.Linger)); err != ErrNotFound {
		t.Fatalf("want ErrNotFound after eviction, got %v", err)
	}
}

func TestExpiry_NotifiesBrowser(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	now := time.Now().UTC()

	var mu sync.Mutex
	var notices []Notice
	reg.SetNotifier(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reg.sweep(now.Add(3 * time.Minute))

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notices))
	}
	n := notices[0]
	if n.Event != NoticeExpired || n.PairingID != s.ID || n.BrowserConnID != "conn-b" {
		t.Fatalf("unexpected notice: %+v", n)
	}
}

// A lookup past the TTL must mark the session expired and notify the browser
// without waiting for the sweeper.
func TestGet_MarksOverdueSessionExpired(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	now := time.Now().UTC()

	var mu sync.Mutex
	var notices []Notice
	reg.SetNotifier(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	late := now.Add(3 * time.Minute)
	if _, err := reg.Get(s.ID, late); err != ErrExpired {
		t.Fatalf("want ErrExpired, got %v", err)
	}

	mu.Lock()
	got := len(notices)
	var first Notice
	if got > 0 {
		first = notices[0]
	}
	mu.Unlock()
	if got != 1 {
		t.Fatalf("notices = %d, want 1", got)
	}
	if first.Event != NoticeExpired || first.PairingID != s.ID {
		t.Fatalf("unexpected notice: %+v", first)
	}

	// The transition is recorded once: a second lookup only reports it.
	if _, err := reg.Get(s.ID, late.Add(time.Second)); err != ErrExpired {
		t.Fatalf("want ErrExpired on repeat lookup, got %v", err)
	}
	mu.Lock()
	got = len(notices)
	mu.Unlock()
	if got != 1 {
		t.Fatalf("repeat lookup re-fired notice, notices = %d", got)
	}
}

func TestMarkDelivered_AuditsFingerprintAndEvicts(t *testing.T) {
	audit := &captureAudit{}
	reg := NewRegistry(testLogger(), testConfig(), audit)
	now := time.Now().UTC()

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Transition(s.ID, now, StateAwaitingScan, StateAuthenticated, func(ps *Session) {
		ps.Token = "tok-1"
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if _, err := reg.MarkDelivered(s.ID, now); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	o := audit.last(t)
	if o.Outcome != OutcomeAuthenticated {
		t.Fatalf("outcome = %s", o.Outcome)
	}
	if o.TokenFingerprint == "" || o.TokenFingerprint == "tok-1" {
		t.Fatalf("raw token leaked or fingerprint missing: %q", o.TokenFingerprint)
	}

	// Idempotence: the entry is gone, a replayed delivery cannot re-send.
	if _, err := reg.MarkDelivered(s.ID, now); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d after delivery", reg.Len())
	}
}

func TestResume_RebindsAndHonorsGrace(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), testConfig(), nil)
	now := time.Now().UTC()

	s, err := reg.Create(now, "conn-b1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Plain reconnect before any AUTH.
	snap, err := reg.Resume(s.ID, now.Add(5*time.Second), "conn-b2")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if snap.BrowserConnID != "conn-b2" {
		t.Fatalf("browser conn not rebound: %q", snap.BrowserConnID)
	}

	// Token buffered while the browser was away: resume inside grace succeeds.
	authAt := now.Add(10 * time.Second)
	if _, err := reg.Transition(s.ID, authAt, StateAwaitingScan, StateAuthenticated, func(ps *Session) {
		ps.Token = "tok-9"
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	snap, err = reg.Resume(s.ID, authAt.Add(5*time.Second), "conn-b3")
	if err != nil {
		t.Fatalf("Resume within grace: %v", err)
	}
	if snap.Token != "tok-9" || snap.Delivered {
		t.Fatalf("buffered token not visible: %+v", snap)
	}

	// Past the grace window the pairing is gone for the browser too.
	if _, err := reg.Resume(s.ID, authAt.Add(15*time.Second), "conn-b4"); err != ErrBrowserGone {
		t.Fatalf("want ErrBrowserGone, got %v", err)
	}
}

func TestSweep_BrowserGoneDiscardsToken(t *testing.T) {
	audit := &captureAudit{}
	reg := NewRegistry(testLogger(), testConfig(), audit)
	now := time.Now().UTC()

	var mu sync.Mutex
	var notices []Notice
	reg.SetNotifier(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Transition(s.ID, now, StateAwaitingScan, StateAuthenticated, func(ps *Session) {
		ps.Token = "tok-1"
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	reg.sweep(now.Add(11 * time.Second))

	o := audit.last(t)
	if o.Outcome != OutcomeFailed || o.Reason != "browser_gone" {
		t.Fatalf("unexpected outcome: %+v", o)
	}

	mu.Lock()
	if len(notices) != 1 || notices[0].Reason != "browser_gone" {
		t.Fatalf("unexpected notices: %+v", notices)
	}
	mu.Unlock()

	if _, err := reg.Get(s.ID, now.Add(12*time.Second)); err != ErrNotFound {
		t.Fatalf("want ErrNotFound after browser_gone eviction, got %v", err)
	}
}

func TestFail_RecordsReason(t *testing.T) {
	audit := &captureAudit{}
	reg := NewRegistry(testLogger(), testConfig(), audit)
	now := time.Now().UTC()

	s, err := reg.Create(now, "conn-b")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := reg.Fail(s.ID, now, "malformed_event")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if snap.State != StateFailed || snap.FailReason != "malformed_event" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	o := audit.last(t)
	if o.Outcome != OutcomeFailed || o.Reason != "malformed_event" {
		t.Fatalf("unexpected outcome: %+v", o)
	}

	// Failing twice loses the race against the first failure.
	if _, err := reg.Fail(s.ID, now, "again"); err != ErrConflict {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}
