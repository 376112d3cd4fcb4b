package pairing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stand/cmd/security/fingerprint"
)

// Notice informs the broker that the registry resolved a session on its own
// (TTL expiry or grace-window lapse) so a still-connected browser can be told.
type Notice struct {
	PairingID     string
	BrowserConnID string
	Event         string // "expired" | "failed"
	Reason        string
}

// Notice event labels.
const (
	NoticeExpired = "expired"
	NoticeFailed  = "failed"
)

// Registry is the in-memory pairing session store.
//
// Concurrency model: the map is guarded by an RWMutex; every state mutation
// for a given id goes through that session's own mutex, which is the sole
// serialization point. Transitions for one id are therefore strictly ordered
// while unrelated sessions never contend.
type Registry struct {
	log   *slog.Logger
	cfg   Config
	audit AuditStore

	notifyMu sync.RWMutex
	notify   func(Notice)

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu sync.Mutex
	s  Session
}

// NewRegistry constructs a Registry. A nil audit store falls back to NopAudit.
func NewRegistry(log *slog.Logger, cfg Config, audit AuditStore) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if audit == nil {
		audit = NopAudit{}
	}
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		log:      log,
		cfg:      cfg,
		audit:    audit,
		sessions: make(map[string]*entry),
	}
}

// SetNotifier registers the expiry/failure notification hook.
func (r *Registry) SetNotifier(fn func(Notice)) {
	r.notifyMu.Lock()
	r.notify = fn
	r.notifyMu.Unlock()
}

// Create inserts a fresh AWAITING_SCAN session bound to browserConnID.
func (r *Registry) Create(now time.Time, browserConnID string) (Session, error) {
	for {
		id, err := NewPairingID(r.cfg.IDBytes)
		if err != nil {
			return Session{}, err
		}

		e := &entry{s: Session{
			ID:            id,
			State:         StateAwaitingScan,
			CreatedAt:     now,
			ExpiresAt:     now.Add(r.cfg.TTL),
			BrowserConnID: browserConnID,
		}}

		r.mu.Lock()
		if _, exists := r.sessions[id]; exists {
			// 128-bit collision; practically unreachable but cheap to retry.
			r.mu.Unlock()
			continue
		}
		r.sessions[id] = e
		r.mu.Unlock()

		metricSessionsCreated.Inc()
		metricSessionsActive.Inc()
		r.log.Info("pairing.create", "pairing_id", id, "browser_conn", browserConnID, "expires_at", e.s.ExpiresAt)
		return e.s, nil
	}
}

// Get returns a snapshot of the session. Expired sessions return ErrExpired
// until eviction, after which lookups return ErrNotFound.
//
// A lookup that finds the session past its TTL marks it EXPIRED on the spot,
// recording the outcome and notifying the browser, so callers observe expiry
// even between sweeps.
func (r *Registry) Get(id string, now time.Time) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	rec, notice := r.expireLocked(e, now)
	snap := e.s
	e.mu.Unlock()

	r.resolve(rec, notice)

	if snap.State == StateExpired {
		return snap, ErrExpired
	}
	return snap, nil
}

// Transition is the compare-and-set primitive: it advances id from expected
// to next, applying mut to the session under the same critical section.
//
// Failure modes: ErrNotFound (unknown id), ErrExpired (TTL won the race),
// ErrAlreadyAuthenticated (replayed AUTH), ErrConflict (any other lost race
// or a non-forward step). The returned snapshot reflects the current state
// in every case.
func (r *Registry) Transition(id string, now time.Time, expected, next State, mut func(*Session)) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()

	if rec, notice := r.expireLocked(e, now); rec != nil {
		snap := e.s
		e.mu.Unlock()
		r.resolve(rec, notice)
		return snap, ErrExpired
	}

	if e.s.State != expected {
		snap := e.s
		e.mu.Unlock()
		switch snap.State {
		case StateAuthenticated:
			return snap, ErrAlreadyAuthenticated
		case StateExpired:
			return snap, ErrExpired
		default:
			return snap, ErrConflict
		}
	}

	if !expected.advancesTo(next) {
		snap := e.s
		e.mu.Unlock()
		return snap, ErrConflict
	}

	e.s.State = next
	switch next {
	case StateAuthenticated:
		e.s.RelayDeadline = now.Add(r.cfg.Grace)
		e.s.doneAt = now
	case StateExpired, StateFailed:
		e.s.doneAt = now
	}
	if mut != nil {
		mut(&e.s)
	}

	var rec *Outcome
	var notice *Notice
	switch next {
	case StateExpired:
		rec = &Outcome{PairingID: id, Outcome: OutcomeExpired, At: now}
		notice = &Notice{PairingID: id, BrowserConnID: e.s.BrowserConnID, Event: NoticeExpired}
	case StateFailed:
		rec = &Outcome{PairingID: id, Outcome: OutcomeFailed, Reason: e.s.FailReason, At: now}
		notice = &Notice{PairingID: id, BrowserConnID: e.s.BrowserConnID, Event: NoticeFailed, Reason: e.s.FailReason}
	}

	snap := e.s
	e.mu.Unlock()

	r.resolve(rec, notice)
	r.log.Info("pairing.transition", "pairing_id", id, "from", expected.String(), "to", next.String())
	return snap, nil
}

// BindMobile records the scan: AWAITING_SCAN -> AWAITING_AUTH with the mobile
// connection as candidate. Rebinding past AWAITING_AUTH is forbidden (the CAS
// rejects it), which blocks replay into a consumed session.
func (r *Registry) BindMobile(id string, now time.Time, mobileConnID string) (Session, error) {
	return r.Transition(id, now, StateAwaitingScan, StateAwaitingAuth, func(s *Session) {
		s.MobileConnID = mobileConnID
	})
}

// Fail moves a non-terminal session to FAILED with the given reason.
func (r *Registry) Fail(id string, now time.Time, reason string) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()

	if rec, notice := r.expireLocked(e, now); rec != nil {
		snap := e.s
		e.mu.Unlock()
		r.resolve(rec, notice)
		return snap, ErrExpired
	}

	if e.s.State.Terminal() {
		snap := e.s
		e.mu.Unlock()
		if snap.State == StateAuthenticated {
			return snap, ErrAlreadyAuthenticated
		}
		return snap, ErrConflict
	}

	e.s.State = StateFailed
	e.s.FailReason = reason
	e.s.doneAt = now
	snap := e.s
	e.mu.Unlock()

	r.resolve(
		&Outcome{PairingID: id, Outcome: OutcomeFailed, Reason: reason, At: now},
		&Notice{PairingID: id, BrowserConnID: snap.BrowserConnID, Event: NoticeFailed, Reason: reason},
	)
	r.log.Info("pairing.fail", "pairing_id", id, "reason", reason)
	return snap, nil
}

// Resume rebinds a reconnecting browser to its session before expiry.
// An AUTHENTICATED session still within its grace window resumes too, so the
// buffered token can be delivered on the new connection.
func (r *Registry) Resume(id string, now time.Time, browserConnID string) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()

	if rec, notice := r.expireLocked(e, now); rec != nil {
		snap := e.s
		e.mu.Unlock()
		r.resolve(rec, notice)
		return snap, ErrExpired
	}

	switch e.s.State {
	case StateExpired:
		snap := e.s
		e.mu.Unlock()
		return snap, ErrExpired
	case StateFailed:
		snap := e.s
		e.mu.Unlock()
		return snap, ErrConflict
	case StateAuthenticated:
		if e.s.Delivered || now.After(e.s.RelayDeadline) {
			snap := e.s
			e.mu.Unlock()
			return snap, ErrBrowserGone
		}
	}

	e.s.BrowserConnID = browserConnID
	snap := e.s
	e.mu.Unlock()

	r.log.Info("pairing.resume", "pairing_id", id, "browser_conn", browserConnID)
	return snap, nil
}

// MarkDelivered records token handoff to the browser and evicts the entry.
// The relayed token is audited as a keyed fingerprint only.
func (r *Registry) MarkDelivered(id string, now time.Time) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	if e.s.State != StateAuthenticated {
		snap := e.s
		e.mu.Unlock()
		return snap, ErrConflict
	}

	first := !e.s.Delivered
	e.s.Delivered = true
	e.s.doneAt = now
	snap := e.s
	e.mu.Unlock()

	if first {
		r.record(Outcome{
			PairingID:        id,
			Outcome:          OutcomeAuthenticated,
			TokenFingerprint: fingerprint.Fingerprint(snap.Token),
			At:               now,
		})
		metricSessionsOutcome.WithLabelValues(OutcomeAuthenticated).Inc()
		r.log.Info("pairing.delivered", "pairing_id", id)
	}

	r.Evict(id)
	return snap, nil
}

// Evict removes the entry; idempotent.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if existed {
		metricSessionsActive.Dec()
	}
}

// Len returns the number of live registry entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run drives the sweeper until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Sweep)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.sweep(now.UTC())
		}
	}
}

// sweep applies time-triggered resolutions: TTL expiry, grace-window lapse
// for undelivered tokens, and linger eviction of terminal entries.
//
// Expiry racing an in-flight AUTH is safe: both paths contend on the session
// mutex, whichever wins the CAS wins, the loser observes the terminal state.
func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	snapshot := make(map[string]*entry, len(r.sessions))
	for id, e := range r.sessions {
		snapshot[id] = e
	}
	r.mu.RUnlock()

	for id, e := range snapshot {
		var evict bool
		var rec *Outcome
		var notice *Notice

		e.mu.Lock()
		switch {
		case !e.s.State.Terminal() && !now.Before(e.s.ExpiresAt):
			rec, notice = r.expireLocked(e, now)

		case e.s.State == StateAuthenticated && !e.s.Delivered && now.After(e.s.RelayDeadline):
			// The browser never came back for its token: discard and fail closed.
			e.s.State = StateFailed
			e.s.FailReason = "browser_gone"
			e.s.Token = ""
			e.s.doneAt = now
			rec = &Outcome{PairingID: id, Outcome: OutcomeFailed, Reason: "browser_gone", At: now}
			notice = &Notice{PairingID: id, BrowserConnID: e.s.BrowserConnID, Event: NoticeFailed, Reason: "browser_gone"}
			evict = true

		case e.s.State.Terminal() && !e.s.doneAt.IsZero() && now.Sub(e.s.doneAt) >= r.cfg.Linger:
			evict = true
		}
		e.mu.Unlock()

		r.resolve(rec, notice)
		if evict {
			r.Evict(id)
		}
	}
}

// ---- internals ----

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// expireLocked marks an overdue non-terminal session EXPIRED.
// Caller holds e.mu; returned bookkeeping must be resolved after unlock.
func (r *Registry) expireLocked(e *entry, now time.Time) (*Outcome, *Notice) {
	if e.s.State.Terminal() || now.Before(e.s.ExpiresAt) {
		return nil, nil
	}

	e.s.State = StateExpired
	e.s.Token = ""
	e.s.doneAt = now

	rec := &Outcome{PairingID: e.s.ID, Outcome: OutcomeExpired, At: now}
	notice := &Notice{PairingID: e.s.ID, BrowserConnID: e.s.BrowserConnID, Event: NoticeExpired}
	return rec, notice
}

// resolve performs post-critical-section bookkeeping for a terminal change.
func (r *Registry) resolve(rec *Outcome, notice *Notice) {
	if rec != nil {
		r.record(*rec)
		metricSessionsOutcome.WithLabelValues(rec.Outcome).Inc()
	}
	if notice == nil {
		return
	}

	r.notifyMu.RLock()
	fn := r.notify
	r.notifyMu.RUnlock()
	if fn != nil {
		fn(*notice)
	}
}

func (r *Registry) record(o Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.audit.RecordOutcome(ctx, o); err != nil {
		r.log.Error("pairing.audit.fail", "pairing_id", o.PairingID, "outcome", o.Outcome, "err", err)
	}
}
