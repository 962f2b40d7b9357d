package accounts

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adred-codev/stomp_poc/internal/stomp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const sqlErrorPrefix = "SQL Error:"

// SQLClientConfig configures the remote account store client.
type SQLClientConfig struct {
	Addr       string        // host:port of the account store (default 127.0.0.1:7778)
	Timeout    time.Duration // per-query deadline when ctx has none (default 2s)
	BcryptCost int           // password hash cost (default bcrypt.DefaultCost)
	Logger     zerolog.Logger
}

// SQLClient is the broker side of the account store. Each query opens a
// short-lived TCP connection, writes the SQL text followed by NUL and reads
// the NUL-terminated reply. Active sessions live in memory.
type SQLClient struct {
	addr    string
	timeout time.Duration
	cost    int
	dialer  net.Dialer
	logger  zerolog.Logger

	sessions *sessions
	loginMu  sync.Mutex
}

// NewSQLClient returns a client for the store at config.Addr.
func NewSQLClient(config SQLClientConfig) *SQLClient {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:7778"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &SQLClient{
		addr:     config.Addr,
		timeout:  config.Timeout,
		cost:     config.BcryptCost,
		logger:   config.Logger.With().Str("component", "accounts").Logger(),
		sessions: newSessions(),
	}
}

// Exec sends one statement and returns the raw reply.
func (c *SQLClient) Exec(ctx context.Context, query string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(stomp.Encode(query)); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrStoreUnavailable, err)
	}

	reply, err := readMessage(bufio.NewReader(conn), stomp.NewCodec())
	if err != nil {
		return "", fmt.Errorf("%w: read: %v", ErrStoreUnavailable, err)
	}
	if strings.HasPrefix(reply, sqlErrorPrefix) {
		return "", fmt.Errorf("%w: %s", ErrQuery, strings.TrimSpace(strings.TrimPrefix(reply, sqlErrorPrefix)))
	}
	return reply, nil
}

// readMessage reads bytes until the codec completes one message.
func readMessage(r io.ByteReader, codec *stomp.Codec) (string, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if msg, ok := codec.Feed(b); ok {
			return msg, nil
		}
	}
}

// Login registers unknown users (storing a bcrypt hash) and verifies the
// password of known ones. A username logged in on any connection is refused.
func (c *SQLClient) Login(ctx context.Context, connID int64, username, password string) (LoginStatus, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if c.sessions.active(username) {
		return AlreadyLoggedIn, nil
	}

	user := quote(username)
	stored, err := c.Exec(ctx, "SELECT password FROM Users WHERE username="+user)
	if err != nil {
		return 0, fmt.Errorf("lookup user: %w", err)
	}
	stored = strings.TrimSpace(stored)

	status := LoggedIn
	if stored == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
		if err != nil {
			return 0, fmt.Errorf("hash password: %w", err)
		}
		if _, err := c.Exec(ctx, "INSERT INTO Users (username, password) VALUES ("+user+", "+quote(string(hash))+")"); err != nil {
			return 0, fmt.Errorf("register user: %w", err)
		}
		status = AddedNewUser
	} else if bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) != nil {
		return WrongPassword, nil
	}

	c.sessions.add(connID, username)
	if _, err := c.Exec(ctx, "INSERT INTO Logins (username, login_time) VALUES ("+user+", datetime('now'))"); err != nil {
		c.logger.Warn().Err(err).Str("username", username).Msg("Failed to record login")
	}
	return status, nil
}

// Logout ends the session held by connID and stamps its logout time.
func (c *SQLClient) Logout(ctx context.Context, connID int64) error {
	username, ok := c.sessions.remove(connID)
	if !ok {
		return nil
	}
	_, err := c.Exec(ctx, "UPDATE Logins SET logout_time=datetime('now') WHERE username="+quote(username)+" AND logout_time IS NULL")
	if err != nil {
		return fmt.Errorf("record logout: %w", err)
	}
	return nil
}

// Username returns the user logged in on connID.
func (c *SQLClient) Username(connID int64) (string, bool) {
	return c.sessions.username(connID)
}

// TrackUpload records a file reported to a channel.
func (c *SQLClient) TrackUpload(ctx context.Context, username, filename, channel string) error {
	_, err := c.Exec(ctx, fmt.Sprintf(
		"INSERT INTO Files (username, filename, upload_time, game_channel) VALUES (%s, %s, datetime('now'), %s)",
		quote(username), quote(filename), quote(channel)))
	if err != nil {
		return fmt.Errorf("track upload: %w", err)
	}
	return nil
}

// Report queries users, login history and uploads from the store.
func (c *SQLClient) Report(ctx context.Context) (*Report, error) {
	// Free-text columns travel hex encoded so '|' and '\n' in them cannot
	// break the row format.
	users, err := c.query(ctx, "SELECT hex(username) FROM Users ORDER BY username")
	if err != nil {
		return nil, err
	}
	logins, err := c.query(ctx, "SELECT hex(username), login_time, logout_time FROM Logins ORDER BY id")
	if err != nil {
		return nil, err
	}
	files, err := c.query(ctx, "SELECT hex(username), hex(filename), hex(game_channel), upload_time FROM Files ORDER BY id")
	if err != nil {
		return nil, err
	}

	r := &Report{
		Users:    make([]string, 0, len(users)),
		Sessions: c.sessions.list(),
		Logins:   make([]LoginRecord, 0, len(logins)),
		Uploads:  make([]UploadRecord, 0, len(files)),
	}
	for _, row := range users {
		r.Users = append(r.Users, hexColumn(row, 0))
	}
	for _, row := range logins {
		r.Logins = append(r.Logins, LoginRecord{
			Username:   hexColumn(row, 0),
			LoginTime:  column(row, 1),
			LogoutTime: column(row, 2),
		})
	}
	for _, row := range files {
		r.Uploads = append(r.Uploads, UploadRecord{
			Username:   hexColumn(row, 0),
			Filename:   hexColumn(row, 1),
			Channel:    hexColumn(row, 2),
			UploadTime: column(row, 3),
		})
	}
	return r, nil
}

func (c *SQLClient) query(ctx context.Context, q string) ([][]string, error) {
	reply, err := c.Exec(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	return splitRows(reply), nil
}

// splitRows decodes the store's "a|b\nc|d" result format.
func splitRows(reply string) [][]string {
	if reply == "" {
		return nil
	}
	lines := strings.Split(reply, "\n")
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, strings.Split(line, "|"))
	}
	return rows
}

func column(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

// hexColumn decodes a column selected through SQLite's hex().
func hexColumn(row []string, i int) string {
	b, err := hex.DecodeString(column(row, i))
	if err != nil {
		return column(row, i)
	}
	return string(b)
}

// quote renders s as a single-quoted SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
