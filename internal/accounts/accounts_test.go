package accounts

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func startSQLServer(t *testing.T) (*SQLServer, string) {
	t.Helper()

	srv, err := OpenSQLServer(filepath.Join(t.TempDir(), "accounts.db"), zerolog.Nop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, srv.Close())
	})
	return srv, ln.Addr().String()
}

func newTestClient(addr string) *SQLClient {
	return NewSQLClient(SQLClientConfig{
		Addr:       addr,
		Timeout:    2 * time.Second,
		BcryptCost: bcrypt.MinCost,
		Logger:     zerolog.Nop(),
	})
}

func testLoginRules(t *testing.T, store Store) {
	ctx := context.Background()

	status, err := store.Login(ctx, 1, "alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, AddedNewUser, status)

	u, ok := store.Username(1)
	require.True(t, ok)
	require.Equal(t, "alice", u)

	status, err = store.Login(ctx, 2, "alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, AlreadyLoggedIn, status)
	_, ok = store.Username(2)
	require.False(t, ok)

	require.NoError(t, store.Logout(ctx, 1))
	_, ok = store.Username(1)
	require.False(t, ok)
	require.NoError(t, store.Logout(ctx, 1))

	status, err = store.Login(ctx, 3, "alice", "nope")
	require.NoError(t, err)
	require.Equal(t, WrongPassword, status)
	require.False(t, status.Success())

	status, err = store.Login(ctx, 3, "alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, LoggedIn, status)
	require.True(t, status.Success())

	status, err = store.Login(ctx, 4, "o'brien", "it's")
	require.NoError(t, err)
	require.Equal(t, AddedNewUser, status)

	require.NoError(t, store.TrackUpload(ctx, "alice", "events.json", "/germany_spain"))
}

func TestMemoryStoreLoginRules(t *testing.T) {
	store := NewMemoryStore()
	testLoginRules(t, store)

	report, err := store.Report(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "o'brien"}, report.Users)
	require.Equal(t, []Session{{ConnID: 3, Username: "alice"}, {ConnID: 4, Username: "o'brien"}}, report.Sessions)
	require.Len(t, report.Logins, 3)
	require.NotEmpty(t, report.Logins[0].LogoutTime)
	require.Empty(t, report.Logins[1].LogoutTime)
	require.Equal(t, []UploadRecord{{Username: "alice", Filename: "events.json", Channel: "/germany_spain", UploadTime: report.Uploads[0].UploadTime}}, report.Uploads)
}

func TestSQLClientAgainstServer(t *testing.T) {
	_, addr := startSQLServer(t)
	client := newTestClient(addr)
	testLoginRules(t, client)

	report, err := client.Report(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "o'brien"}, report.Users)
	require.Equal(t, []Session{{ConnID: 3, Username: "alice"}, {ConnID: 4, Username: "o'brien"}}, report.Sessions)
	require.Len(t, report.Logins, 3)
	require.NotEmpty(t, report.Logins[0].LogoutTime)
	require.Empty(t, report.Logins[2].LogoutTime)
	require.Len(t, report.Uploads, 1)
	require.Equal(t, "events.json", report.Uploads[0].Filename)
	require.Equal(t, "/germany_spain", report.Uploads[0].Channel)
}

func TestSQLClientReportKeepsSeparatorsInText(t *testing.T) {
	_, addr := startSQLServer(t)
	client := newTestClient(addr)
	ctx := context.Background()

	_, err := client.Login(ctx, 1, "a|b", "pw")
	require.NoError(t, err)
	require.NoError(t, client.TrackUpload(ctx, "a|b", "x|y.json", "/ch|1\nz"))
	require.NoError(t, client.TrackUpload(ctx, "a|b", "multi\nline", "/plain"))

	report, err := client.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a|b"}, report.Users)
	require.Len(t, report.Logins, 1)
	require.Equal(t, "a|b", report.Logins[0].Username)
	require.NotEmpty(t, report.Logins[0].LoginTime)
	require.Len(t, report.Uploads, 2)
	require.Equal(t, "a|b", report.Uploads[0].Username)
	require.Equal(t, "x|y.json", report.Uploads[0].Filename)
	require.Equal(t, "/ch|1\nz", report.Uploads[0].Channel)
	require.NotEmpty(t, report.Uploads[0].UploadTime)
	require.Equal(t, "multi\nline", report.Uploads[1].Filename)
	require.Equal(t, "/plain", report.Uploads[1].Channel)
}

func TestSQLClientStoresHashedPasswords(t *testing.T) {
	srv, addr := startSQLServer(t)
	client := newTestClient(addr)

	_, err := client.Login(context.Background(), 1, "bob", "secret")
	require.NoError(t, err)

	stored := srv.Execute(context.Background(), "SELECT password FROM Users WHERE username='bob'")
	require.NotEqual(t, "secret", stored)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte("secret")))
}

func TestSQLServerExecuteFormats(t *testing.T) {
	srv, _ := startSQLServer(t)
	ctx := context.Background()

	require.Equal(t, "", srv.Execute(ctx, "SELECT username FROM Users"))
	require.Equal(t, "done", srv.Execute(ctx, "INSERT INTO Users (username, password) VALUES ('a', 'x')"))
	require.Equal(t, "done", srv.Execute(ctx, "INSERT INTO Users (username, password) VALUES ('b', 'y')"))
	require.Equal(t, "a", srv.Execute(ctx, "SELECT username FROM Users WHERE username='a'"))
	require.Equal(t, "a|x\nb|y", srv.Execute(ctx, "select username, password FROM Users ORDER BY username"))
	require.Contains(t, srv.Execute(ctx, "INSERT INTO Nope VALUES (1)"), "SQL Error:")
}

func TestSQLClientQueryError(t *testing.T) {
	_, addr := startSQLServer(t)
	client := newTestClient(addr)

	_, err := client.Exec(context.Background(), "SELECT * FROM Missing")
	require.ErrorIs(t, err, ErrQuery)
}

func TestSQLClientUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := newTestClient(addr)
	_, err = client.Login(context.Background(), 1, "carol", "pw")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreUnavailable))
	_, ok := client.Username(1)
	require.False(t, ok)
}

func TestSplitRows(t *testing.T) {
	require.Nil(t, splitRows(""))
	require.Equal(t, [][]string{{"a"}}, splitRows("a"))
	require.Equal(t, [][]string{{"a", "b"}, {"c", ""}}, splitRows("a|b\nc|"))
	require.Equal(t, "'it''s'", quote("it's"))
	require.Equal(t, "a|b", hexColumn([]string{"617C62"}, 0))
	require.Equal(t, "", hexColumn([]string{"x"}, 3))
}
