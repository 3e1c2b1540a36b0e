// ABOUTME: In-memory sliding-window rate limiter with a global degraded breaker
// ABOUTME: Also enforces per-user concurrency with guaranteed release through Admit

package ratelimit

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDegraded is returned while the global breaker is tripped.
	ErrDegraded = errors.New("service degraded")
	// ErrTooManyConcurrent is returned when a user already has the maximum in-flight requests.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

type userState struct {
	ops        []time.Time // ascending, all inside the window as of the last prune
	concurrent int
}

// Limiter tracks per-user operation timestamps and in-flight requests.
// Exceeding the operation budget trips a process-wide degraded flag that
// refuses every user until an operator calls ResetDegraded.
type Limiter struct {
	mu            sync.Mutex
	maxOps        int
	window        time.Duration
	maxConcurrent int
	degraded      bool
	users         map[string]*userState

	now      func() time.Time
	observer func(degraded bool)

	// notifyMu orders observer calls; notified is the last state delivered.
	notifyMu sync.Mutex
	notified bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithObserver registers fn to be called whenever the degraded flag changes.
// fn runs after the limiter's lock is released. Calls are serialized and
// always carry the current flag, so racing trips and resets cannot leave
// the observer holding a stale state.
func WithObserver(fn func(degraded bool)) Option {
	return func(l *Limiter) { l.observer = fn }
}

// New creates a Limiter allowing maxOps operations per window per user and
// maxConcurrent in-flight requests per user.
func New(maxOps int, window time.Duration, maxConcurrent int, opts ...Option) *Limiter {
	l := &Limiter{
		maxOps:        maxOps,
		window:        window,
		maxConcurrent: maxConcurrent,
		users:         make(map[string]*userState),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) state(user string) *userState {
	st, ok := l.users[user]
	if !ok {
		st = &userState{}
		l.users[user] = st
	}
	return st
}

// prune drops timestamps at or before now - window.
func (l *Limiter) prune(st *userState, now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(st.ops) && !st.ops[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.ops = append(st.ops[:0], st.ops[i:]...)
	}
}

// RecordOperation records one operation for user at the current time.
func (l *Limiter) RecordOperation(user string) bool {
	return l.RecordOperationAt(user, l.now())
}

// RecordOperationAt records one operation for user at now. It returns false
// without recording anything while degraded. If the new operation pushes the
// user past the budget, the limiter becomes degraded and false is returned.
func (l *Limiter) RecordOperationAt(user string, now time.Time) bool {
	l.mu.Lock()
	if l.degraded {
		l.mu.Unlock()
		return false
	}

	st := l.state(user)
	l.prune(st, now)
	st.ops = append(st.ops, now)

	tripped := len(st.ops) > l.maxOps
	if tripped {
		l.degraded = true
	}
	l.mu.Unlock()

	if tripped {
		l.notify()
		return false
	}
	return true
}

// StartRequest reserves a concurrency slot for user. Login requests bypass
// the degraded check but not the concurrency cap.
func (l *Limiter) StartRequest(user string, isLogin bool) bool {
	return l.start(user, isLogin) == nil
}

func (l *Limiter) start(user string, isLogin bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.degraded && !isLogin {
		return ErrDegraded
	}
	st := l.state(user)
	if st.concurrent >= l.maxConcurrent {
		return ErrTooManyConcurrent
	}
	st.concurrent++
	return nil
}

// FinishRequest releases a concurrency slot. The count never goes below zero.
func (l *Limiter) FinishRequest(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.users[user]; ok && st.concurrent > 0 {
		st.concurrent--
	}
}

// Admit reserves a slot and returns a release func that frees it exactly
// once, however many times it is called.
func (l *Limiter) Admit(user string, isLogin bool) (release func(), err error) {
	if err := l.start(user, isLogin); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.FinishRequest(user) })
	}, nil
}

// Degraded reports whether the breaker is tripped.
func (l *Limiter) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// ResetDegraded clears the breaker. It is the only way to leave degraded mode.
// Returns true if the limiter was degraded.
func (l *Limiter) ResetDegraded() bool {
	l.mu.Lock()
	was := l.degraded
	l.degraded = false
	l.mu.Unlock()

	if was {
		l.notify()
	}
	return was
}

// ResetConcurrency zeroes the in-flight count for user, or for every user
// when user is empty. Used to recover slots leaked by crashed handlers.
func (l *Limiter) ResetConcurrency(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if user == "" {
		for _, st := range l.users {
			st.concurrent = 0
		}
		return
	}
	if st, ok := l.users[user]; ok {
		st.concurrent = 0
	}
}

func (l *Limiter) notify() {
	if l.observer == nil {
		return
	}
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	degraded := l.Degraded()
	if degraded == l.notified {
		return
	}
	l.notified = degraded
	l.observer(degraded)
}

// UserSnapshot is one user's current usage.
type UserSnapshot struct {
	Username   string `json:"username"`
	Ops        int    `json:"ops"`
	Concurrent int    `json:"concurrent"`
}

// Snapshot is a point-in-time view of the limiter for operators.
type Snapshot struct {
	Degraded      bool           `json:"degraded"`
	MaxOps        int            `json:"max_ops"`
	Window        string         `json:"window"`
	MaxConcurrent int            `json:"max_concurrent"`
	Users         []UserSnapshot `json:"users"`
}

// Snapshot reports the degraded flag and per-user usage, sorted by username.
// Users with no operations in the window and nothing in flight are omitted.
func (l *Limiter) Snapshot() Snapshot {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Degraded:      l.degraded,
		MaxOps:        l.maxOps,
		Window:        l.window.String(),
		MaxConcurrent: l.maxConcurrent,
		Users:         []UserSnapshot{},
	}
	cutoff := now.Add(-l.window)
	for name, st := range l.users {
		ops := 0
		for _, ts := range st.ops {
			if ts.After(cutoff) {
				ops++
			}
		}
		if ops == 0 && st.concurrent == 0 {
			continue
		}
		snap.Users = append(snap.Users, UserSnapshot{Username: name, Ops: ops, Concurrent: st.concurrent})
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].Username < snap.Users[j].Username })
	return snap
}
