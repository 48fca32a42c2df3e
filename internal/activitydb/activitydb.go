// Package activitydb records bridge processes and acquisition runs in a
// ClickHouse database. Every method is a no-op when the database is not
// connected, so acquisition never depends on it.
package activitydb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "nucinstdig" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// Options says where the database is. Credentials come from the environment
// variables NUCINSTDIG_DB_USER and NUCINSTDIG_DB_PASSWORD.
type Options struct {
	Addr        []string
	DialTimeout time.Duration
}

// Connection is a possibly-absent connection to the activity database.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	activity *ActivityMessage
	address  string
	runs     map[string]*RunMessage
	runmsg   chan *RunMessage
	abort    <-chan struct{}
	mu       sync.Mutex // guards err and runs
	sync.WaitGroup
}

// IsConnected reports whether records are being written.
func (db *Connection) IsConnected() bool {
	if db == nil {
		return false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn != nil && db.err == nil
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err
}

// Start connects, records the activity and handles run records until abort
// is closed. A connection failure is reported by Err and IsConnected.
func Start(opts Options, activity *ActivityMessage, commandAddress string, abort <-chan struct{}) *Connection {
	db := connect(opts)
	db.activity = activity
	db.address = commandAddress
	db.abort = abort
	if !db.IsConnected() {
		return db
	}
	db.logActivity()
	db.Add(1)
	go db.handleConnection()
	return db
}

// Dummy returns a Connection that records nothing.
func Dummy() *Connection {
	return &Connection{err: fmt.Errorf("activity database disabled")}
}

func connect(opts Options) *Connection {
	db := &Connection{runs: make(map[string]*RunMessage)}
	if len(opts.Addr) == 0 {
		opts.Addr = []string{"localhost:9000"}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("NUCINSTDIG_DB_USER"),
		Password: os.Getenv("NUCINSTDIG_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "nucinstdig", Version: "unknown"},
		},
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        opts.Addr,
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		db.err = err
		return db
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("exception [%d] %s", exception.Code, exception.Message)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	return db
}

func (db *Connection) fail(table string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.err = fmt.Errorf("insert into %s: %w", table, err)
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	a := db.activity
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO bridgeactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion, a.CPUs,
		a.Start.Format(timeFormat), a.End.Format(timeFormat),
	); err != nil {
		db.fail("bridgeactivity", err)
	}
}

func (db *Connection) handleConnection() {
	defer db.Done()
	for {
		select {
		case <-db.abort:
			db.disconnect()
			return
		case m := <-db.runmsg:
			db.handleRunMessage(m)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() {
		db.activity.End = time.Now()
		db.logActivity()
	}
	db.conn.Close()
}

// RunStarted records the start of acquisition run id.
func (db *Connection) RunStarted(id string, at time.Time) {
	if !db.IsConnected() {
		return
	}
	m := &RunMessage{ID: id, ActivityID: db.activity.ID, CommandAddress: db.address, Start: at}
	db.mu.Lock()
	db.runs[id] = m
	db.mu.Unlock()
	db.send(m)
}

// RunStopped records the end of acquisition run id.
func (db *Connection) RunStopped(id string, at time.Time) {
	if !db.IsConnected() {
		return
	}
	db.mu.Lock()
	m, ok := db.runs[id]
	delete(db.runs, id)
	db.mu.Unlock()
	if !ok {
		return
	}
	ended := *m
	ended.End = at
	db.send(&ended)
}

// send hands m to the connection goroutine without blocking the caller.
func (db *Connection) send(m *RunMessage) {
	go func() {
		select {
		case db.runmsg <- m:
		case <-db.abort:
		}
	}()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), `INSERT INTO acquisitionruns VALUES (?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.CommandAddress,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		db.fail("acquisitionruns", err)
	}
}
