// Package accounts talks to the user-account store: login bookkeeping,
// upload tracking and the audit report.
package accounts

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// LoginStatus is the outcome of a login attempt.
type LoginStatus int

const (
	// AddedNewUser means the username was unknown and has been registered.
	AddedNewUser LoginStatus = iota + 1
	// LoggedIn means an existing user supplied the right password.
	LoggedIn
	// WrongPassword means the user exists with a different password.
	WrongPassword
	// AlreadyLoggedIn means the user holds a session on another connection.
	AlreadyLoggedIn
)

func (s LoginStatus) String() string {
	switch s {
	case AddedNewUser:
		return "added_new_user"
	case LoggedIn:
		return "logged_in"
	case WrongPassword:
		return "wrong_password"
	case AlreadyLoggedIn:
		return "already_logged_in"
	default:
		return "unknown"
	}
}

// Success reports whether the status opens a session.
func (s LoginStatus) Success() bool {
	return s == AddedNewUser || s == LoggedIn
}

var (
	// ErrStoreUnavailable wraps transport failures towards the store.
	ErrStoreUnavailable = errors.New("account store unavailable")
	// ErrQuery wraps "SQL Error" replies from the store.
	ErrQuery = errors.New("account store query failed")
)

// Store is what the protocol engine needs from the account store.
type Store interface {
	Login(ctx context.Context, connID int64, username, password string) (LoginStatus, error)
	Logout(ctx context.Context, connID int64) error
	Username(connID int64) (string, bool)
	TrackUpload(ctx context.Context, username, filename, channel string) error
}

// Reporter produces the audit report served on the admin endpoint.
type Reporter interface {
	Report(ctx context.Context) (*Report, error)
}

// Session is an active login held in memory.
type Session struct {
	ConnID   int64  `json:"conn_id"`
	Username string `json:"username"`
}

// LoginRecord is one row of the login history.
type LoginRecord struct {
	Username   string `json:"username"`
	LoginTime  string `json:"login_time"`
	LogoutTime string `json:"logout_time,omitempty"`
}

// UploadRecord is one tracked file upload.
type UploadRecord struct {
	Username   string `json:"username"`
	Filename   string `json:"filename"`
	Channel    string `json:"channel"`
	UploadTime string `json:"upload_time"`
}

// Report is a snapshot of registered users, sessions, logins and uploads.
type Report struct {
	Users    []string       `json:"users"`
	Sessions []Session      `json:"active_sessions"`
	Logins   []LoginRecord  `json:"login_history"`
	Uploads  []UploadRecord `json:"uploads"`
}

// sessions maps connections to logged-in usernames. A username holds at
// most one session at a time.
type sessions struct {
	mu     sync.RWMutex
	byConn map[int64]string
	byUser map[string]int64
}

func newSessions() *sessions {
	return &sessions{
		byConn: make(map[int64]string),
		byUser: make(map[string]int64),
	}
}

func (s *sessions) active(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byUser[username]
	return ok
}

func (s *sessions) add(connID int64, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConn[connID] = username
	s.byUser[username] = connID
}

func (s *sessions) remove(connID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.byConn[connID]
	if !ok {
		return "", false
	}
	delete(s.byConn, connID)
	if s.byUser[username] == connID {
		delete(s.byUser, username)
	}
	return username, true
}

func (s *sessions) username(connID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byConn[connID]
	return u, ok
}

func (s *sessions) list() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.byConn))
	for id, u := range s.byConn {
		out = append(out, Session{ConnID: id, Username: u})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}
