package instance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/capstanhq/capstan/plugin"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugin_instances (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL,
	plugin_id        TEXT NOT NULL,
	config           TEXT NOT NULL DEFAULT '{}',
	state            TEXT NOT NULL DEFAULT 'stopped',
	enabled          INTEGER NOT NULL DEFAULT 1,
	last_activity_at DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE(org_id, plugin_id)
);

CREATE TABLE IF NOT EXISTS instance_auth (
	instance_id TEXT PRIMARY KEY,
	method      TEXT NOT NULL DEFAULT '',
	credentials TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL
);
`

// ErrNotFound is returned when no instance exists for the requested key.
var ErrNotFound = errors.New("instance not found")

// Store persists plugin instances in SQLite. Auth state lives in its own
// table and is encrypted at rest; it is only materialized on request, never
// returned alongside the instance record.
type Store struct {
	db      *sql.DB
	dataDir string
}

// NewStore opens (or creates) a SQLite database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, dataDir: filepath.Dir(dbPath)}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the shared database handle so sibling stores can attach their
// own tables without opening a second connection.
func (s *Store) DB() *sql.DB { return s.db }

// Enable creates the (org, plugin) binding or re-enables an existing one.
func (s *Store) Enable(orgID, pluginID string) (*Instance, error) {
	existing, err := s.Get(orgID, pluginID)
	if err == nil {
		if !existing.Enabled {
			now := time.Now().UTC()
			if _, err := s.db.Exec(
				`UPDATE plugin_instances SET enabled = 1, updated_at = ? WHERE id = ?`,
				now, existing.ID,
			); err != nil {
				return nil, fmt.Errorf("enable instance: %w", err)
			}
			existing.Enabled = true
			existing.UpdatedAt = now
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		PluginID:  pluginID,
		Config:    map[string]any{},
		State:     StateStopped,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.Exec(
		`INSERT INTO plugin_instances (id, org_id, plugin_id, config, state, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, '{}', ?, 1, ?, ?)`,
		inst.ID, orgID, pluginID, string(StateStopped), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}
	return inst, nil
}

// Disable soft-disables the binding; the record and its audit trail remain.
func (s *Store) Disable(orgID, pluginID string) error {
	res, err := s.db.Exec(
		`UPDATE plugin_instances SET enabled = 0, updated_at = ? WHERE org_id = ? AND plugin_id = ?`,
		time.Now().UTC(), orgID, pluginID,
	)
	if err != nil {
		return fmt.Errorf("disable instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves one instance by its (org, plugin) key.
func (s *Store) Get(orgID, pluginID string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT id, org_id, plugin_id, config, state, enabled, last_activity_at, created_at, updated_at
		 FROM plugin_instances WHERE org_id = ? AND plugin_id = ?`,
		orgID, pluginID,
	)
	return scanInstance(row)
}

// ListForOrg returns the organization's instances, optionally restricted to
// enabled ones.
func (s *Store) ListForOrg(orgID string, onlyEnabled bool) ([]*Instance, error) {
	q := `SELECT id, org_id, plugin_id, config, state, enabled, last_activity_at, created_at, updated_at
	      FROM plugin_instances WHERE org_id = ?`
	if onlyEnabled {
		q += ` AND enabled = 1`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(q, orgID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetState persists a runtime state transition.
func (s *Store) SetState(orgID, pluginID string, state RuntimeState) error {
	res, err := s.db.Exec(
		`UPDATE plugin_instances SET state = ?, updated_at = ? WHERE org_id = ? AND plugin_id = ?`,
		string(state), time.Now().UTC(), orgID, pluginID,
	)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch refreshes the instance's last-activity timestamp.
func (s *Store) Touch(orgID, pluginID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE plugin_instances SET last_activity_at = ? WHERE org_id = ? AND plugin_id = ?`,
		at.UTC(), orgID, pluginID,
	)
	if err != nil {
		return fmt.Errorf("touch instance: %w", err)
	}
	return nil
}

// ApplySettings splits a flat settings payload per the descriptor's schema
// and persists ordinary config on the instance and credentials in the auth
// table. Sensitive fields never reach the instance record.
func (s *Store) ApplySettings(desc *plugin.Descriptor, orgID string, payload map[string]any) (*Instance, error) {
	inst, err := s.Get(orgID, desc.ID)
	if err != nil {
		return nil, err
	}

	cfg, auth := Split(desc, payload)
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`UPDATE plugin_instances SET config = ?, updated_at = ? WHERE id = ?`,
		string(cfgJSON), now, inst.ID,
	); err != nil {
		return nil, fmt.Errorf("update config: %w", err)
	}
	inst.Config = cfg
	inst.UpdatedAt = now

	if !auth.Empty() {
		if err := s.SetAuth(inst.ID, auth); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// SetAuth stores the instance's auth state, replacing any previous one. The
// credential map is serialized and encrypted before it touches the database.
func (s *Store) SetAuth(instanceID string, auth AuthState) error {
	creds, err := json.Marshal(auth.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	enc, err := encryptCredentials(creds, s.dataDir)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO instance_auth (instance_id, method, credentials, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET method = excluded.method,
		   credentials = excluded.credentials, updated_at = excluded.updated_at`,
		instanceID, auth.Method, enc, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store auth state: %w", err)
	}
	return nil
}

// GetAuth retrieves and decrypts the instance's auth state. A missing row
// yields an empty AuthState, not an error.
func (s *Store) GetAuth(instanceID string) (AuthState, error) {
	var (
		auth AuthState
		enc  string
	)
	row := s.db.QueryRow(
		`SELECT method, credentials, updated_at FROM instance_auth WHERE instance_id = ?`,
		instanceID,
	)
	err := row.Scan(&auth.Method, &enc, &auth.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthState{}, nil
	}
	if err != nil {
		return AuthState{}, fmt.Errorf("load auth state: %w", err)
	}
	if enc != "" {
		creds, err := decryptCredentials(enc, s.dataDir)
		if err != nil {
			return AuthState{}, fmt.Errorf("instance %s: %w", instanceID, err)
		}
		if err := json.Unmarshal(creds, &auth.Credentials); err != nil {
			return AuthState{}, fmt.Errorf("parse credentials: %w", err)
		}
	}
	return auth, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst     Instance
		cfgJSON  string
		enabled  int
		activity sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.OrgID, &inst.PluginID, &cfgJSON, &inst.State,
		&enabled, &activity, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &inst.Config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	inst.Enabled = enabled != 0
	if activity.Valid {
		inst.LastActivityAt = activity.Time
	}
	return &inst, nil
}
