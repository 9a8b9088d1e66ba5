// Package postgres implements the storage.Store interface on PostgreSQL
// using a pgx connection pool. The schema is created on open.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS service_definitions (
	name          TEXT PRIMARY KEY,
	enabled       BOOLEAN NOT NULL DEFAULT FALSE,
	auth_required BOOLEAN NOT NULL DEFAULT FALSE,
	description   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS service_connections (
	id           BIGSERIAL PRIMARY KEY,
	owner        TEXT NOT NULL,
	service_name TEXT NOT NULL REFERENCES service_definitions(name),
	credential   TEXT NOT NULL DEFAULT '',
	settings     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_connections_owner ON service_connections(owner);

CREATE TABLE IF NOT EXISTS triggers (
	id            BIGSERIAL PRIMARY KEY,
	owner         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	provider_id   BIGINT NOT NULL REFERENCES service_connections(id),
	consumer_id   BIGINT NOT NULL REFERENCES service_connections(id),
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL,
	last_fired_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers(enabled);
`

// Adapter implements storage.Store on PostgreSQL
type Adapter struct {
	pool   *pgxpool.Pool
	cipher storage.CredentialCipher
}

// NewAdapter connects to the database and migrates the schema. cipher may
// be nil to store credentials in plaintext.
func NewAdapter(ctx context.Context, dsn string, cipher storage.CredentialCipher) (*Adapter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Adapter{pool: pool, cipher: cipher}, nil
}

// Close releases the connection pool
func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

// Health pings the database
func (a *Adapter) Health(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// UpsertServiceDefinition inserts or replaces a catalog row
func (a *Adapter) UpsertServiceDefinition(ctx context.Context, def *storage.ServiceDefinition) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO service_definitions (name, enabled, auth_required, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			auth_required = EXCLUDED.auth_required,
			description = EXCLUDED.description`,
		def.Name, def.Enabled, def.AuthRequired, def.Description)
	if err != nil {
		return errors.PersistenceError("upserting service definition", err)
	}
	return nil
}

// GetServiceDefinition fetches one catalog row by name
func (a *Adapter) GetServiceDefinition(ctx context.Context, name string) (*storage.ServiceDefinition, error) {
	def := &storage.ServiceDefinition{}
	err := a.pool.QueryRow(ctx, `
		SELECT name, enabled, auth_required, description
		FROM service_definitions WHERE name = $1`, name).
		Scan(&def.Name, &def.Enabled, &def.AuthRequired, &def.Description)
	if err != nil {
		if err == pgx.ErrNoRows {
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
	return a.listDefinitions(ctx, `SELECT name, enabled, auth_required, description FROM service_definitions WHERE enabled ORDER BY name`)
}

func (a *Adapter) listDefinitions(ctx context.Context, query string) ([]*storage.ServiceDefinition, error) {
	rows, err := a.pool.Query(ctx, query)
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

	settings, err := json.Marshal(orEmpty(conn.Settings))
	if err != nil {
		return errors.PersistenceError("encoding connection settings", err)
	}

	err = a.pool.QueryRow(ctx, `
		INSERT INTO service_connections (owner, service_name, credential, settings)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		conn.Owner, conn.ServiceName, credential, settings).Scan(&conn.ID)
	if err != nil {
		return errors.PersistenceError("creating service connection", err)
	}
	return nil
}

// GetServiceConnection fetches one connection with its credential decrypted
func (a *Adapter) GetServiceConnection(ctx context.Context, id int64) (*storage.ServiceConnection, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT id, owner, service_name, credential, settings
		FROM service_connections WHERE id = $1`, id)

	conn, err := a.scanConnection(row.Scan)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundError(fmt.Sprintf("service connection %d", id))
		}
		return nil, err
	}
	return conn, nil
}

// ListServiceConnectionsByOwner returns all connections owned by a user
func (a *Adapter) ListServiceConnectionsByOwner(ctx context.Context, owner string) ([]*storage.ServiceConnection, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, owner, service_name, credential, settings
		FROM service_connections WHERE owner = $1 ORDER BY id`, owner)
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
	if _, err := a.pool.Exec(ctx, `DELETE FROM service_connections WHERE id = $1`, id); err != nil {
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

	err := a.pool.QueryRow(ctx, `
		INSERT INTO triggers (owner, description, provider_id, consumer_id, enabled, created_at, last_fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		trigger.Owner, trigger.Description, trigger.Provider.ID, trigger.Consumer.ID,
		trigger.Enabled, trigger.CreatedAt.UTC(), trigger.LastFiredAt).Scan(&trigger.ID)
	if err != nil {
		return errors.PersistenceError("creating trigger", err)
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
	row := a.pool.QueryRow(ctx, triggerSelect+` WHERE t.id = $1`, id)
	trigger, err := a.scanTrigger(row.Scan)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundError(fmt.Sprintf("trigger %d", id))
		}
		return nil, err
	}
	return trigger, nil
}

// ListTriggersByOwner returns all triggers owned by a user
func (a *Adapter) ListTriggersByOwner(ctx context.Context, owner string) ([]*storage.Trigger, error) {
	return a.listTriggers(ctx, triggerSelect+` WHERE t.owner = $1 ORDER BY t.id`, owner)
}

// ListEligibleTriggers returns all enabled triggers
func (a *Adapter) ListEligibleTriggers(ctx context.Context) ([]*storage.Trigger, error) {
	return a.listTriggers(ctx, triggerSelect+` WHERE t.enabled ORDER BY t.id`)
}

func (a *Adapter) listTriggers(ctx context.Context, query string, args ...interface{}) ([]*storage.Trigger, error) {
	rows, err := a.pool.Query(ctx, query, args...)
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
	tag, err := a.pool.Exec(ctx, `UPDATE triggers SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return errors.PersistenceError("updating trigger status", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError(fmt.Sprintf("trigger %d", id))
	}
	return nil
}

// DeleteTrigger removes a trigger
func (a *Adapter) DeleteTrigger(ctx context.Context, id int64) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id); err != nil {
		return errors.PersistenceError("deleting trigger", err)
	}
	return nil
}

// AdvanceWatermark sets last_fired_at, keeping it monotone
func (a *Adapter) AdvanceWatermark(ctx context.Context, triggerID int64, ts time.Time) error {
	tag, err := a.pool.Exec(ctx, `
		UPDATE triggers SET last_fired_at = $1
		WHERE id = $2 AND (last_fired_at IS NULL OR last_fired_at <= $1)`,
		ts.UTC(), triggerID)
	if err != nil {
		return errors.PersistenceError("advancing watermark", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := a.GetTrigger(ctx, triggerID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) scanConnection(scan func(...interface{}) error) (*storage.ServiceConnection, error) {
	conn := &storage.ServiceConnection{}
	var credential string
	var settings []byte
	if err := scan(&conn.ID, &conn.Owner, &conn.ServiceName, &credential, &settings); err != nil {
		return nil, err
	}

	decrypted, err := storage.DecryptCredential(a.cipher, credential)
	if err != nil {
		return nil, err
	}
	conn.Credential = decrypted

	if err := json.Unmarshal(settings, &conn.Settings); err != nil {
		return nil, errors.PersistenceError("decoding connection settings", err)
	}
	return conn, nil
}

func (a *Adapter) scanTrigger(scan func(...interface{}) error) (*storage.Trigger, error) {
	trigger := &storage.Trigger{}
	var lastFiredAt *time.Time
	var pCred, cCred string
	var pSettings, cSettings []byte

	err := scan(
		&trigger.ID, &trigger.Owner, &trigger.Description, &trigger.Enabled, &trigger.CreatedAt, &lastFiredAt,
		&trigger.Provider.ID, &trigger.Provider.Owner, &trigger.Provider.ServiceName, &pCred, &pSettings,
		&trigger.Consumer.ID, &trigger.Consumer.Owner, &trigger.Consumer.ServiceName, &cCred, &cSettings,
	)
	if err != nil {
		return nil, err
	}

	trigger.CreatedAt = trigger.CreatedAt.UTC()
	if lastFiredAt != nil {
		ts := lastFiredAt.UTC()
		trigger.LastFiredAt = &ts
	}

	if trigger.Provider.Credential, err = storage.DecryptCredential(a.cipher, pCred); err != nil {
		return nil, err
	}
	if trigger.Consumer.Credential, err = storage.DecryptCredential(a.cipher, cCred); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(pSettings, &trigger.Provider.Settings); err != nil {
		return nil, errors.PersistenceError("decoding provider settings", err)
	}
	if err := json.Unmarshal(cSettings, &trigger.Consumer.Settings); err != nil {
		return nil, errors.PersistenceError("decoding consumer settings", err)
	}
	return trigger, nil
}

func orEmpty(settings map[string]string) map[string]string {
	if settings == nil {
		return map[string]string{}
	}
	return settings
}
