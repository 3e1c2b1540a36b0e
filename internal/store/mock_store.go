// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite; transactions roll back by restoring a snapshot

package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu   sync.Mutex
	data *mockData

	// FailWrites, when set, is returned by every mutating Tx method.
	FailWrites error
}

type mockData struct {
	nextUserID  int64
	users       map[int64]*User
	attempts    map[string]*LoginAttempt // keyed by username + "\x00" + ip
	invocations []*ToolInvocation
	audit       []AuditEntry
	sessions    map[string]*ChatSession
	messages    map[string]*ChatMessage
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data: &mockData{
			users:    make(map[int64]*User),
			attempts: make(map[string]*LoginAttempt),
			sessions: make(map[string]*ChatSession),
			messages: make(map[string]*ChatMessage),
		},
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyUser(u *User) *User {
	c := *u
	c.LockoutUntil = copyTime(u.LockoutUntil)
	c.TokenIssuedAt = copyTime(u.TokenIssuedAt)
	c.LastActivityAt = copyTime(u.LastActivityAt)
	c.LastLoginAt = copyTime(u.LastLoginAt)
	return &c
}

func copyInvocation(inv *ToolInvocation) *ToolInvocation {
	c := *inv
	if inv.UserConfirmed != nil {
		v := *inv.UserConfirmed
		c.UserConfirmed = &v
	}
	if inv.OutputText != nil {
		v := *inv.OutputText
		c.OutputText = &v
	}
	if inv.ErrorMessage != nil {
		v := *inv.ErrorMessage
		c.ErrorMessage = &v
	}
	return &c
}

// clone deep-copies the data set so a failed transaction can restore it.
func (d *mockData) clone() *mockData {
	c := &mockData{
		nextUserID:  d.nextUserID,
		users:       make(map[int64]*User, len(d.users)),
		attempts:    make(map[string]*LoginAttempt, len(d.attempts)),
		invocations: make([]*ToolInvocation, 0, len(d.invocations)),
		audit:       make([]AuditEntry, len(d.audit)),
		sessions:    make(map[string]*ChatSession, len(d.sessions)),
		messages:    make(map[string]*ChatMessage, len(d.messages)),
	}
	for id, u := range d.users {
		c.users[id] = copyUser(u)
	}
	for k, a := range d.attempts {
		v := *a
		v.LastAttemptAt = copyTime(a.LastAttemptAt)
		c.attempts[k] = &v
	}
	for _, inv := range d.invocations {
		c.invocations = append(c.invocations, copyInvocation(inv))
	}
	for i, e := range d.audit {
		e.Detail = maps.Clone(e.Detail)
		c.audit[i] = e
	}
	for id, s := range d.sessions {
		v := *s
		c.sessions[id] = &v
	}
	for id, m := range d.messages {
		v := *m
		c.messages[id] = &v
	}
	return c
}

// InTx runs fn against the in-memory data, restoring the prior state when fn fails.
func (m *MockStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	committed := false
	defer func() {
		if !committed {
			m.data = snapshot
		}
	}()

	if err := fn(&mockTx{m: m}); err != nil {
		return err
	}
	committed = true
	return nil
}

// AppendAuditLog records e in its own transaction.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	return m.InTx(ctx, func(tx Tx) error {
		return tx.AppendAuditLog(ctx, e)
	})
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// mockTx implements Tx; the owning MockStore's mutex is held for its lifetime.
type mockTx struct {
	m *MockStore
}

func (t *mockTx) GetOrCreateUser(ctx context.Context, username string) (*User, error) {
	d := t.m.data
	for _, u := range d.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	if t.m.FailWrites != nil {
		return nil, t.m.FailWrites
	}
	d.nextUserID++
	u := &User{ID: d.nextUserID, Username: username, CreatedAt: time.Now().UTC()}
	d.users[u.ID] = u
	return copyUser(u), nil
}

func (t *mockTx) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	for _, u := range t.m.data.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (t *mockTx) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, ok := t.m.data.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (t *mockTx) GetUserByToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	for _, u := range t.m.data.users {
		if u.Token == token {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (t *mockTx) SaveUser(ctx context.Context, u *User) error {
	if t.m.FailWrites != nil {
		return t.m.FailWrites
	}
	d := t.m.data
	if _, ok := d.users[u.ID]; !ok {
		return ErrNotFound
	}
	if u.Token != "" {
		for id, other := range d.users {
			if id != u.ID && other.Token == u.Token {
				return ErrDuplicateToken
			}
		}
	}
	d.users[u.ID] = copyUser(u)
	return nil
}

func attemptKey(username, ip string) string {
	return username + "\x00" + ip
}

func (t *mockTx) GetLoginAttempt(ctx context.Context, username, ip string) (*LoginAttempt, error) {
	a, ok := t.m.data.attempts[attemptKey(username, ip)]
	if !ok {
		return nil, ErrNotFound
	}
	v := *a
	v.LastAttemptAt = copyTime(a.LastAttemptAt)
	return &v, nil
}

func (t *mockTx) SaveLoginAttempt(ctx context.Context, a *LoginAttempt) error {
	if t.m.FailWrites != nil {
		return t.m.FailWrites
	}
	v := *a
	v.LastAttemptAt = copyTime(a.LastAttemptAt)
	t.m.data.attempts[attemptKey(a.Username, a.IP)] = &v
	return nil
}

func (t *mockTx) CreateToolInvocation(ctx context.Context, inv *ToolInvocation) error {
	if t.m.FailWrites != nil {
		return t.m.FailWrites
	}
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.InvocationTime.IsZero() {
		inv.InvocationTime = time.Now().UTC()
	}
	t.m.data.invocations = append(t.m.data.invocations, copyInvocation(inv))
	return nil
}

func (t *mockTx) FinishToolInvocation(ctx context.Context, inv *ToolInvocation) error {
	if t.m.FailWrites != nil {
		return t.m.FailWrites
	}
	for i, row := range t.m.data.invocations {
		if row.ID != inv.ID {
			continue
		}
		c := copyInvocation(inv)
		updated := copyInvocation(row)
		updated.Success = c.Success
		updated.OutputText = c.OutputText
		updated.ErrorMessage = c.ErrorMessage
		t.m.data.invocations[i] = updated
		return nil
	}
	return ErrNotFound
}

func (t *mockTx) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if t.m.FailWrites != nil {
		return t.m.FailWrites
	}
	prepareAuditEntry(e)
	c := *e
	c.Detail = maps.Clone(e.Detail)
	t.m.data.audit = append(t.m.data.audit, c)
	return nil
}

// Users returns copies of all users, ordered by ID.
func (m *MockStore) Users() []*User {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]*User, 0, len(m.data.users))
	for _, u := range m.data.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// ToolInvocations returns copies of every recorded invocation in insertion order.
func (m *MockStore) ToolInvocations() []*ToolInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ToolInvocation, 0, len(m.data.invocations))
	for _, inv := range m.data.invocations {
		out = append(out, copyInvocation(inv))
	}
	return out
}

// ListToolInvocations returns matching invocations newest first.
func (m *MockStore) ListToolInvocations(ctx context.Context, f ToolInvocationFilter) ([]*ToolInvocation, error) {
	all := m.ToolInvocations()
	out := []*ToolInvocation{}
	for i := len(all) - 1; i >= 0; i-- {
		inv := all[i]
		if f.Username != "" && inv.Username != f.Username {
			continue
		}
		if f.ChatMessageID != "" && inv.ChatMessageID != f.ChatMessageID {
			continue
		}
		out = append(out, inv)
		if len(out) == normalizeLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

// ListAuditLog returns matching audit entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []AuditEntry{}
	for i := len(m.data.audit) - 1; i >= 0; i-- {
		e := m.data.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		e.Detail = maps.Clone(e.Detail)
		out = append(out, e)
		if len(out) == normalizeLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

func (m *MockStore) CreateChatSession(ctx context.Context, s *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = s.CreatedAt
	}
	v := *s
	m.data.sessions[s.ID] = &v
	return nil
}

func (m *MockStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.data.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	v := *s
	return &v, nil
}

func (m *MockStore) ListChatSessions(ctx context.Context, userID int64) ([]*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*ChatSession{}
	for _, s := range m.data.sessions {
		if s.UserID == userID {
			v := *s
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (m *MockStore) AddChatMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.data.sessions[msg.SessionID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	v := *msg
	m.data.messages[msg.ID] = &v
	s.LastActivityAt = msg.CreatedAt
	return nil
}

func (m *MockStore) SetChatMessageResponse(ctx context.Context, id, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.data.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.AgentResponseText = response
	return nil
}

func (m *MockStore) ListChatMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*ChatMessage{}
	for _, msg := range m.data.messages {
		if msg.SessionID == sessionID {
			v := *msg
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) DeleteChatSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteSessionLocked(id)
	return nil
}

// deleteSessionLocked removes a session with its messages and their invocations.
func (m *MockStore) deleteSessionLocked(id string) {
	d := m.data
	delete(d.sessions, id)

	removed := make(map[string]bool)
	for msgID, msg := range d.messages {
		if msg.SessionID == id {
			removed[msgID] = true
			delete(d.messages, msgID)
		}
	}

	kept := d.invocations[:0]
	for _, inv := range d.invocations {
		if inv.ChatMessageID == "" || !removed[inv.ChatMessageID] {
			kept = append(kept, inv)
		}
	}
	d.invocations = kept
}

func (m *MockStore) PurgeOldSessions(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-retention)
	var stale []string
	for id, s := range m.data.sessions {
		if s.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.deleteSessionLocked(id)
	}
	return len(stale), nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
