package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no account exists for the network ID.
	ErrUserNotFound = errors.New("user not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// User is a network account. PasswordHash is a bcrypt hash, never the
// plaintext password.
type User struct {
	ID           int64
	NetworkID    string
	PasswordHash string
	RealName     string
	ATCRating    int
	PilotRating  int
	CreatedAt    int64 // Unix timestamp in milliseconds
	UpdatedAt    int64 // Unix timestamp in milliseconds
}

// WhitelistedClient is an approved client software entry.
type WhitelistedClient struct {
	ID         int64
	ClientID   string
	ClientName string
	Enabled    bool
	CreatedAt  int64 // Unix timestamp in milliseconds
}

// now returns the current time as a Unix timestamp in milliseconds
func now() int64 {
	return time.Now().UnixMilli()
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite permits a single writer; WAL mode lets readers proceed
	// concurrently with it
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// SQLite has foreign keys disabled by default
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		network_id TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		real_name TEXT NOT NULL,
		atc_rating INTEGER NOT NULL DEFAULT 1,
		pilot_rating INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_whitelist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL UNIQUE,
		client_name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}

	return nil
}

// SeedDefaultClients inserts the well-known client software entries if they
// don't exist yet.
func (db *DB) SeedDefaultClients() error {
	defaults := []struct {
		clientID   string
		clientName string
	}{
		{"69d7", "EuroScope 3.2"},
		{"88e4", "vPilot"},
		{"48e2", "Swift"},
		{"de1e", "VRC"},
	}

	for _, c := range defaults {
		_, err := db.conn.Exec(
			`INSERT OR IGNORE INTO client_whitelist (client_id, client_name, enabled, created_at) VALUES (?, ?, 1, ?)`,
			c.clientID, c.clientName, now(),
		)
		if err != nil {
			return fmt.Errorf("failed to seed client %s: %w", c.clientID, err)
		}
	}

	return nil
}

// GetUserByNetworkID returns the account for a network ID.
func (db *DB) GetUserByNetworkID(networkID string) (*User, error) {
	var u User
	err := db.conn.QueryRow(
		`SELECT id, network_id, password_hash, real_name, atc_rating, pilot_rating, created_at, updated_at
		 FROM users WHERE network_id = ?`,
		networkID,
	).Scan(&u.ID, &u.NetworkID, &u.PasswordHash, &u.RealName, &u.ATCRating, &u.PilotRating, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new account and returns it.
func (db *DB) CreateUser(networkID, passwordHash, realName string, atcRating, pilotRating int) (*User, error) {
	ts := now()
	result, err := db.conn.Exec(
		`INSERT INTO users (network_id, password_hash, real_name, atc_rating, pilot_rating, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		networkID, passwordHash, realName, atcRating, pilotRating, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}

	return &User{
		ID:           id,
		NetworkID:    networkID,
		PasswordHash: passwordHash,
		RealName:     realName,
		ATCRating:    atcRating,
		PilotRating:  pilotRating,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}, nil
}

// ListUsers returns all accounts ordered by network ID.
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(
		`SELECT id, network_id, password_hash, real_name, atc_rating, pilot_rating, created_at, updated_at
		 FROM users ORDER BY network_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.NetworkID, &u.PasswordHash, &u.RealName, &u.ATCRating, &u.PilotRating, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// IsClientWhitelisted reports whether an enabled whitelist entry exists for
// the client ID.
func (db *DB) IsClientWhitelisted(clientID string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM client_whitelist WHERE client_id = ? AND enabled = 1`,
		clientID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query whitelist: %w", err)
	}
	return count > 0, nil
}

// AddWhitelistedClient inserts an enabled whitelist entry.
func (db *DB) AddWhitelistedClient(clientID, clientName string) error {
	_, err := db.conn.Exec(
		`INSERT INTO client_whitelist (client_id, client_name, enabled, created_at) VALUES (?, ?, 1, ?)`,
		clientID, clientName, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to add whitelisted client: %w", err)
	}
	return nil
}

// ListWhitelistedClients returns all whitelist entries ordered by client ID.
func (db *DB) ListWhitelistedClients() ([]*WhitelistedClient, error) {
	rows, err := db.conn.Query(
		`SELECT id, client_id, client_name, enabled, created_at FROM client_whitelist ORDER BY client_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelisted clients: %w", err)
	}
	defer rows.Close()

	var clients []*WhitelistedClient
	for rows.Next() {
		var c WhitelistedClient
		if err := rows.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.Enabled, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan whitelisted client: %w", err)
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}
