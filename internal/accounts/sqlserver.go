package accounts

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/stomp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS Users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS Logins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		login_time DATETIME NOT NULL,
		logout_time DATETIME,
		FOREIGN KEY(username) REFERENCES Users(username)
	)`,
	`CREATE TABLE IF NOT EXISTS Files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		filename TEXT NOT NULL,
		game_channel TEXT,
		upload_time DATETIME NOT NULL,
		FOREIGN KEY(username) REFERENCES Users(username)
	)`,
}

// SQLServer is the account store process: a sqlite database behind the
// NUL-terminated query protocol spoken by SQLClient.
//
// SELECT statements answer with rows as "col|col" lines joined by "\n" (a
// single value is sent bare, no rows is ""). Other statements answer
// "done". Failures answer "SQL Error: <reason>".
type SQLServer struct {
	db     *sql.DB
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// OpenSQLServer opens (creating if needed) the sqlite database at path and
// makes sure the tables exist.
func OpenSQLServer(path string, logger zerolog.Logger) (*SQLServer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	s := &SQLServer{
		db:     db,
		logger: logger.With().Str("component", "accountstore").Logger(),
		conns:  make(map[net.Conn]struct{}),
	}
	s.logger.Info().Str("path", path).Msg("Database initialized")
	return s, nil
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// every open connection before returning.
func (s *SQLServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Account store listening")

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(tempDelay*2, time.Second)
				}
				time.Sleep(tempDelay)
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		s.track(conn, true)
		if ctx.Err() != nil {
			conn.Close()
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *SQLServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *SQLServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *SQLServer) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "accountstore.handle", map[string]any{"remote": conn.RemoteAddr().String()})
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	codec := stomp.NewCodec()
	for {
		query, err := readMessage(r, codec)
		if err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		reply := s.Execute(ctx, query)
		s.logger.Debug().Str("query", query).Int("reply_bytes", len(reply)).Msg("Query executed")

		if _, err := conn.Write(stomp.Encode(reply)); err != nil {
			s.logger.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

// Execute runs one statement and formats the reply.
func (s *SQLServer) Execute(ctx context.Context, query string) string {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		out, err := s.selectRows(ctx, query)
		if err != nil {
			return sqlErrorPrefix + " " + err.Error()
		}
		return out
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return sqlErrorPrefix + " " + err.Error()
	}
	return "done"
}

func (s *SQLServer) selectRows(ctx context.Context, query string) (string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var lines []string
	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", err
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = v.String
		}
		lines = append(lines, strings.Join(fields, "|"))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the database.
func (s *SQLServer) Close() error {
	return s.db.Close()
}
