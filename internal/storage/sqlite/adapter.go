// Package sqlite implements the storage.Store interface on a local SQLite
// database. The schema is created on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS service_definitions (
	name          TEXT PRIMARY KEY,
	enabled       INTEGER NOT NULL DEFAULT 0,
	auth_required INTEGER NOT NULL DEFAULT 0,
	description   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS service_connections (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	owner        TEXT NOT NULL,
	service_name TEXT NOT NULL REFERENCES service_definitions(name),
	credential   TEXT NOT NULL DEFAULT '',
	settings     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_connections_owner ON service_connections(owner);

CREATE TABLE IF NOT EXISTS triggers (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	owner         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	provider_id   INTEGER NOT NULL REFERENCES service_connections(id),
	consumer_id   INTEGER NOT NULL REFERENCES service_connections(id),
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TIMESTAMP NOT NULL,
	last_fired_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers(enabled);
`

// Adapter implements storage.Store on SQLite
type Adapter struct {
	db     *sql.DB
	cipher storage.CredentialCipher
}

// NewAdapter opens (or creates) the database at path and migrates the
// schema. cipher may be nil to store credentials in plaintext.
func NewAdapter(path string, cipher storage.CredentialCipher) (*Adapter, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Adapter{db: db, cipher: cipher}, nil
}

// Close closes the underlying database
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Health pings the database
func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// UpsertServiceDefinition inserts or replaces a catalog row
func (a *Adapter) UpsertServiceDefinition(ctx context.Context, def *storage.ServiceDefinition) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO service_definitions (name, enabled, auth_required, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			auth_required = excluded.auth_required,
			description = excluded.description`,
		def.Name, def.Enabled, def.AuthRequired, def.Description)
	if err != nil {
		return errors.PersistenceError("upserting service definition", err)
	}
	return nil
}

// GetServiceDefinition fetches one catalog row by name
func (a *Adapter) GetServiceDefinition(ctx context.Context, name string) (*storage.ServiceDefinition, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT name, enabled, auth_required, description
		FROM service_definitions WHERE name = ?`, name)

	def := &storage.ServiceDefinition{}
	if err := row.Scan(&def.Name, &def.Enabled, &def.AuthRequired, &def.Description); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundError("service definition " + name)
		}
		return nil, errors.PersistenceError("reading service definition", err)
	}
	return def, nil
}

// ListServiceDefinitions returns the whole catalog
func (a *Adapter) ListServiceDefinitions(ctx context.Context) ([]*storage.ServiceDefinition, error) {
	return a.listDefinitions(ctx, `SELECT name, enabled, auth_required, description FROM service_definitions ORDER BY name`)
}

// ListEnabledServiceDefinitions returns only enabled catalog rows
func (a *Adapter) ListEnabledServiceDefinitions(ctx context.Context) ([]*storage.ServiceDefinition, error) {
	return a.listDefinitions(ctx, `SELECT name, enabled, auth_required, description FROM service_definitions WHERE enabled = 1 ORDER BY name`)
}

func (a *Adapter) listDefinitions(ctx context.Context, query string) ([]*storage.ServiceDefinition, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.PersistenceError("listing service definitions", err)
	}
	defer rows.Close()

	var defs []*storage.ServiceDefinition
	for rows.Next() {
		def := &storage.ServiceDefinition{}
		if err := rows.Scan(&def.Name, &def.Enabled, &def.AuthRequired, &def.Description); err != nil {
			return nil, errors.PersistenceError("scanning service definition", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CreateServiceConnection stores a connection and assigns its ID
func (a *Adapter) CreateServiceConnection(ctx context.Context, conn *storage.ServiceConnection) error {
	credential, err := storage.EncryptCredential(a.cipher, conn.Credential)
	if err != nil {
		return err
	}

	settings, err := marshalSettings(conn.Settings)
	if err != nil {
		return err
	}

	res, err := a.db.ExecContext(ctx, `
		INSERT INTO service_connections (owner, service_name, credential, settings)
		VALUES (?, ?, ?, ?)`,
		conn.Owner, conn.ServiceName, credential, settings)
	if err != nil {
		return errors.PersistenceError("creating service connection", err)
	}

	conn.ID, err = res.LastInsertId()
	if err != nil {
		return errors.PersistenceError("reading connection id", err)
	}
	return nil
}

// GetServiceConnection fetches one connection with its credential decrypted
func (a *Adapter) GetServiceConnection(ctx context.Context, id int64) (*storage.ServiceConnection, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, owner, service_name, credential, settings
		FROM service_connections WHERE id = ?`, id)

	conn, err := a.scanConnection(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundError(fmt.Sprintf("service connection %d", id))
		}
		return nil, err
	}
	return conn, nil
}

// ListServiceConnectionsByOwner returns all connections owned by a user
func (a *Adapter) ListServiceConnectionsByOwner(ctx context.Context, owner string) ([]*storage.ServiceConnection, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, owner, service_name, credential, settings
		FROM service_connections WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, errors.PersistenceError("listing service connections", err)
	}
	defer rows.Close()

	var conns []*storage.ServiceConnection
	for rows.Next() {
		conn, err := a.scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// DeleteServiceConnection removes a connection
func (a *Adapter) DeleteServiceConnection(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM service_connections WHERE id = ?`, id)
	if err != nil {
		return errors.PersistenceError("deleting service connection", err)
	}
	return nil
}

// CreateTrigger validates and stores a trigger, assigning its ID
func (a *Adapter) CreateTrigger(ctx context.Context, trigger *storage.Trigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	res, err := a.db.ExecContext(ctx, `
		INSERT INTO triggers (owner, description, provider_id, consumer_id, enabled, created_at, last_fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trigger.Owner, trigger.Description, trigger.Provider.ID, trigger.Consumer.ID,
		trigger.Enabled, trigger.CreatedAt.UTC(), nullableTime(trigger.LastFiredAt))
	if err != nil {
		return errors.PersistenceError("creating trigger", err)
	}

	trigger.ID, err = res.LastInsertId()
	if err != nil {
		return errors.PersistenceError("reading trigger id", err)
	}
	return nil
}

const triggerSelect = `
	SELECT t.id, t.owner, t.description, t.enabled, t.created_at, t.last_fired_at,
	       p.id, p.owner, p.service_name, p.credential, p.settings,
	       c.id, c.owner, c.service_name, c.credential, c.settings
	FROM triggers t
	JOIN service_connections p ON p.id = t.provider_id
	JOIN service_connections c ON c.id = t.consumer_id`

// GetTrigger fetches one trigger with both connections hydrated
func (a *Adapter) GetTrigger(ctx context.Context, id int64) (*storage.Trigger, error) {
	row := a.db.QueryRowContext(ctx, triggerSelect+` WHERE t.id = ?`, id)
	trigger, err := a.scanTrigger(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundError(fmt.Sprintf("trigger %d", id))
		}
		return nil, err
	}
	return trigger, nil
}

// ListTriggersByOwner returns all triggers owned by a user
func (a *Adapter) ListTriggersByOwner(ctx context.Context, owner string) ([]*storage.Trigger, error) {
	return a.listTriggers(ctx, triggerSelect+` WHERE t.owner = ? ORDER BY t.id`, owner)
}

// ListEligibleTriggers returns all enabled triggers
func (a *Adapter) ListEligibleTriggers(ctx context.Context) ([]*storage.Trigger, error) {
	return a.listTriggers(ctx, triggerSelect+` WHERE t.enabled = 1 ORDER BY t.id`)
}

func (a *Adapter) listTriggers(ctx context.Context, query string, args ...interface{}) ([]*storage.Trigger, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.PersistenceError("listing triggers", err)
	}
	defer rows.Close()

	var triggers []*storage.Trigger
	for rows.Next() {
		trigger, err := a.scanTrigger(rows.Scan)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// SetTriggerEnabled toggles a trigger's status
func (a *Adapter) SetTriggerEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := a.db.ExecContext(ctx, `UPDATE triggers SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return errors.PersistenceError("updating trigger status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError(fmt.Sprintf("trigger %d", id))
	}
	return nil
}

// DeleteTrigger removes a trigger
func (a *Adapter) DeleteTrigger(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return errors.PersistenceError("deleting trigger", err)
	}
	return nil
}

// AdvanceWatermark sets last_fired_at, keeping it monotone: an update with
// a timestamp older than the stored watermark is silently skipped.
func (a *Adapter) AdvanceWatermark(ctx context.Context, triggerID int64, ts time.Time) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE triggers SET last_fired_at = ?
		WHERE id = ? AND (last_fired_at IS NULL OR last_fired_at <= ?)`,
		ts.UTC(), triggerID, ts.UTC())
	if err != nil {
		return errors.PersistenceError("advancing watermark", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// either the trigger is gone or the stored watermark is newer
		if _, err := a.GetTrigger(ctx, triggerID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) scanConnection(scan func(...interface{}) error) (*storage.ServiceConnection, error) {
	conn := &storage.ServiceConnection{}
	var credential, settings string
	if err := scan(&conn.ID, &conn.Owner, &conn.ServiceName, &credential, &settings); err != nil {
		return nil, err
	}

	decrypted, err := storage.DecryptCredential(a.cipher, credential)
	if err != nil {
		return nil, err
	}
	conn.Credential = decrypted

	if err := json.Unmarshal([]byte(settings), &conn.Settings); err != nil {
		return nil, errors.PersistenceError("decoding connection settings", err)
	}
	return conn, nil
}

func (a *Adapter) scanTrigger(scan func(...interface{}) error) (*storage.Trigger, error) {
	trigger := &storage.Trigger{}
	var createdAt time.Time
	var lastFiredAt sql.NullTime
	var pCred, pSettings, cCred, cSettings string

	err := scan(
		&trigger.ID, &trigger.Owner, &trigger.Description, &trigger.Enabled, &createdAt, &lastFiredAt,
		&trigger.Provider.ID, &trigger.Provider.Owner, &trigger.Provider.ServiceName, &pCred, &pSettings,
		&trigger.Consumer.ID, &trigger.Consumer.Owner, &trigger.Consumer.ServiceName, &cCred, &cSettings,
	)
	if err != nil {
		return nil, err
	}

	trigger.CreatedAt = createdAt.UTC()
	if lastFiredAt.Valid {
		ts := lastFiredAt.Time.UTC()
		trigger.LastFiredAt = &ts
	}

	if trigger.Provider.Credential, err = storage.DecryptCredential(a.cipher, pCred); err != nil {
		return nil, err
	}
	if trigger.Consumer.Credential, err = storage.DecryptCredential(a.cipher, cCred); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(pSettings), &trigger.Provider.Settings); err != nil {
		return nil, errors.PersistenceError("decoding provider settings", err)
	}
	if err := json.Unmarshal([]byte(cSettings), &trigger.Consumer.Settings); err != nil {
		return nil, errors.PersistenceError("decoding consumer settings", err)
	}
	return trigger, nil
}

func marshalSettings(settings map[string]string) (string, error) {
	if settings == nil {
		return "{}", nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return "", errors.PersistenceError("encoding connection settings", err)
	}
	return string(data), nil
}

func nullableTime(ts *time.Time) interface{} {
	if ts == nil {
		return nil
	}
	return ts.UTC()
}
