// Package db persists the daemon's configuration records: a settings
// key/value table (holding the identity keypair) and the rendezvous,
// provided-service, and used-service tables.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/preers/preers/internal/data"
)

// ErrNotFound is returned when a settings key has no value.
var ErrNotFound = errors.New("setting not found")

// KeypairSetting is the settings key the identity keypair is stored under.
const KeypairSetting = "keypair"

// DB wraps the sqlite database holding the daemon's records.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sdb.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := sdb.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key     TEXT PRIMARY KEY,
			value   BLOB
		);
		CREATE TABLE IF NOT EXISTS rendezvous (
			multiaddr   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS provided_services (
			host    TEXT NOT NULL DEFAULT 'localhost',
			port    INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS used_services (
			peer_id         TEXT NOT NULL,
			host            TEXT NOT NULL DEFAULT 'localhost',
			port            INTEGER NOT NULL,
			forwarder_port  INTEGER NOT NULL
		);
	`); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: sdb, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SetSetting stores a settings value, replacing any previous one.
func (d *DB) SetSetting(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// GetSetting reads a settings value; ErrNotFound when the key is absent.
func (d *DB) GetSetting(key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var value []byte
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

// AddRendezvous stores a rendezvous address and returns its fresh id.
func (d *DB) AddRendezvous(multiaddr string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`INSERT INTO rendezvous (multiaddr) VALUES (?)`, multiaddr)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Rendezvous lists all stored rendezvous records.
func (d *DB) Rendezvous() ([]data.Rendezvous, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT rowid, multiaddr FROM rendezvous`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []data.Rendezvous
	for rows.Next() {
		var r data.Rendezvous
		if err := rows.Scan(&r.ID, &r.Multiaddr); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// DeleteRendezvous removes one rendezvous record by id.
func (d *DB) DeleteRendezvous(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM rendezvous WHERE rowid = ?`, id)
	return err
}

// AddProvidedService stores a provided service and returns its fresh id.
// Duplicates are allowed; the allow-set deduplicates in memory.
func (d *DB) AddProvidedService(svc data.ProvideService) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`INSERT INTO provided_services (host, port) VALUES (?, ?)`,
		svc.Host, svc.Port)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ProvidedServices lists all stored provided services.
func (d *DB) ProvidedServices() ([]data.ProvideService, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT rowid, host, port FROM provided_services`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []data.ProvideService
	for rows.Next() {
		var s data.ProvideService
		if err := rows.Scan(&s.ID, &s.Host, &s.Port); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// DeleteProvidedService removes one provided service by id.
func (d *DB) DeleteProvidedService(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM provided_services WHERE rowid = ?`, id)
	return err
}

// AddUsedService stores a used service and returns its fresh id.
func (d *DB) AddUsedService(svc data.UseService) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO used_services (peer_id, host, port, forwarder_port)
		VALUES (?, ?, ?, ?)`,
		svc.PeerID, svc.Host, svc.Port, svc.ForwarderPort)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UsedServices lists all stored used services.
func (d *DB) UsedServices() ([]data.UseService, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT rowid, peer_id, host, port, forwarder_port FROM used_services`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []data.UseService
	for rows.Next() {
		var s data.UseService
		if err := rows.Scan(&s.ID, &s.PeerID, &s.Host, &s.Port, &s.ForwarderPort); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// DeleteUsedService removes one used service by id.
func (d *DB) DeleteUsedService(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM used_services WHERE rowid = ?`, id)
	return err
}
