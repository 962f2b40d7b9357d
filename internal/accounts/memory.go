package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps accounts in process memory. It follows the same login
// rules as SQLClient and is used in tests and with ACCOUNTS_ADDR=memory.
type MemoryStore struct {
	sessions *sessions

	mu      sync.Mutex
	users   map[string]string
	logins  []LoginRecord
	uploads []UploadRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: newSessions(),
		users:    make(map[string]string),
		now:      time.Now,
	}
}

func (m *MemoryStore) timestamp() string {
	return m.now().UTC().Format(time.DateTime)
}

// Login registers unknown users and checks passwords of known ones.
func (m *MemoryStore) Login(_ context.Context, connID int64, username, password string) (LoginStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions.active(username) {
		return AlreadyLoggedIn, nil
	}

	status := LoggedIn
	if stored, ok := m.users[username]; !ok {
		m.users[username] = password
		status = AddedNewUser
	} else if stored != password {
		return WrongPassword, nil
	}

	m.sessions.add(connID, username)
	m.logins = append(m.logins, LoginRecord{Username: username, LoginTime: m.timestamp()})
	return status, nil
}

// Logout ends the session held by connID, if any.
func (m *MemoryStore) Logout(_ context.Context, connID int64) error {
	username, ok := m.sessions.remove(connID)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.logins {
		if m.logins[i].Username == username && m.logins[i].LogoutTime == "" {
			m.logins[i].LogoutTime = m.timestamp()
		}
	}
	return nil
}

// Username returns the user logged in on connID.
func (m *MemoryStore) Username(connID int64) (string, bool) {
	return m.sessions.username(connID)
}

// TrackUpload records a file reported to a channel.
func (m *MemoryStore) TrackUpload(_ context.Context, username, filename, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, UploadRecord{
		Username:   username,
		Filename:   filename,
		Channel:    channel,
		UploadTime: m.timestamp(),
	})
	return nil
}

// Report returns a copy of everything the store holds.
func (m *MemoryStore) Report(_ context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]string, 0, len(m.users))
	for u := range m.users {
		users = append(users, u)
	}
	sort.Strings(users)

	return &Report{
		Users:    users,
		Sessions: m.sessions.list(),
		Logins:   append([]LoginRecord(nil), m.logins...),
		Uploads:  append([]UploadRecord(nil), m.uploads...),
	}, nil
}
