// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides a storage.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db  *sql.DB
	pub storage.ChangePublisher
	now func() time.Time

	stampMu     sync.Mutex
	lastStamped time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPublisher announces committed mutations to pub.
func WithPublisher(pub storage.ChangePublisher) Option {
	return func(s *Store) { s.pub = pub }
}

// Open opens the database at dsn, applies migrations and returns a Store.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps per-connection pragmas and :memory: databases consistent.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, pub: storage.NopPublisher{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	t := s.now().UTC()
	if !t.After(s.lastStamped) {
		t = s.lastStamped.Add(time.Nanosecond)
	}
	s.lastStamped = t
	return t.UnixNano()
}

// UserIDBySubject implements storage.IdentityStore.
func (s *Store) UserIDBySubject(ctx context.Context, subject string) (string, error) {
	return s.queryID(ctx, `SELECT id FROM users WHERE subject = ?`, subject)
}

// UserIDByEmail implements storage.IdentityStore.
func (s *Store) UserIDByEmail(ctx context.Context, email string) (string, error) {
	return s.queryID(ctx, `SELECT id FROM users WHERE email = ? ORDER BY id LIMIT 1`, email)
}

// UserIDByAPIKeyHash implements storage.IdentityStore.
func (s *Store) UserIDByAPIKeyHash(ctx context.Context, hash string) (string, error) {
	return s.queryID(ctx, `SELECT user_id FROM api_keys WHERE hash = ?`, hash)
}

func (s *Store) queryID(ctx context.Context, query string, arg any) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying user: %w", err)
	}
	return id, nil
}

// IsMember implements storage.IdentityStore.
func (s *Store) IsMember(ctx context.Context, organizationID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE organization_id = ? AND user_id = ?`,
		organizationID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return n > 0, nil
}

const backendColumns = `id, organization_id, created_by, display_name, auth_mode, transport, url,
	command, args, env, allowed_tools, api_key_headers, platform_identity_required,
	platform_identity_url, oauth, status, pii_mode, pii_categories, toon_conversion,
	deleted_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackend(row rowScanner) (*gateway.BackendDescriptor, error) {
	var (
		b                                              gateway.BackendDescriptor
		authMode, transport, status                    string
		args, env, allowed, headers, oauth, categories string
		platformRequired, toon                         bool
		deletedAt                                      sql.NullInt64
		updatedAt                                      int64
	)
	if err := row.Scan(&b.ID, &b.OrganizationID, &b.CreatedBy, &b.DisplayName, &authMode, &transport,
		&b.URL, &b.Command, &args, &env, &allowed, &headers, &platformRequired,
		&b.PlatformIdentityURL, &oauth, &status, &b.PIIPolicy.Mode, &categories, &toon,
		&deletedAt, &updatedAt); err != nil {
		return nil, err
	}
	b.AuthMode = gateway.AuthMode(authMode)
	b.Transport = gateway.TransportType(transport)
	b.Status = gateway.BackendStatus(status)
	b.PlatformIdentityRequired = platformRequired
	b.ToonConversionEnabled = toon
	b.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		b.DeletedAt = &t
	}

	for _, f := range []struct {
		raw string
		dst any
	}{
		{args, &b.Args},
		{env, &b.Env},
		{allowed, &b.AllowedTools},
		{headers, &b.APIKeyHeaders},
		{categories, &b.PIIPolicy.Categories},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decoding backend %s: %w", b.ID, err)
		}
	}

	var oc *oauthColumn
	if err := json.Unmarshal([]byte(oauth), &oc); err != nil {
		return nil, fmt.Errorf("decoding backend %s oauth: %w", b.ID, err)
	}
	if oc != nil {
		b.OAuth = &gateway.OAuthClientConfig{
			ClientID: oc.ClientID, ClientSecret: oc.ClientSecret,
			AuthURL: oc.AuthURL, TokenURL: oc.TokenURL, Scopes: oc.Scopes,
		}
	}
	return &b, nil
}

// oauthColumn is the stored form of gateway.OAuthClientConfig, which hides
// the secret from its JSON encoding.
type oauthColumn struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

// GetBackend implements storage.BackendStore.
func (s *Store) GetBackend(ctx context.Context, id string) (*gateway.BackendDescriptor, error) {
	b, err := scanBackend(s.db.QueryRowContext(ctx, `SELECT `+backendColumns+` FROM backends WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backend %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting backend: %w", err)
	}
	return b, nil
}

const instanceColumns = `id, backend_id, display_name, normalized_name, display_order, enabled, config, updated_at`

func scanInstance(row rowScanner) (gateway.ToolInstance, error) {
	var (
		inst      gateway.ToolInstance
		config    string
		updatedAt int64
	)
	if err := row.Scan(&inst.ID, &inst.BackendID, &inst.DisplayName, &inst.NormalizedName,
		&inst.DisplayOrder, &inst.Enabled, &config, &updatedAt); err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(config), &inst.Config); err != nil {
		return inst, fmt.Errorf("decoding instance %s config: %w", inst.ID, err)
	}
	inst.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return inst, nil
}

// ListInstances implements storage.BackendStore.
func (s *Store) ListInstances(ctx context.Context, backendID string) ([]gateway.ToolInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM tool_instances WHERE backend_id = ? ORDER BY display_order, id`,
		backendID)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var out []gateway.ToolInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetInstance implements storage.BackendStore.
func (s *Store) GetInstance(ctx context.Context, id string) (*gateway.ToolInstance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM tool_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool instance %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance: %w", err)
	}
	return &inst, nil
}

// ListTools implements storage.BackendStore.
func (s *Store) ListTools(ctx context.Context, instanceID string) ([]gateway.ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, position, name, description, input_schema, updated_at
		 FROM tools WHERE instance_id = ? ORDER BY position`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer rows.Close()

	var out []gateway.ToolDefinition
	for rows.Next() {
		var (
			t         gateway.ToolDefinition
			schema    sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&t.InstanceID, &t.Position, &t.Name, &t.Description, &schema, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		if schema.Valid {
			t.InputSchema = json.RawMessage(schema.String)
		}
		t.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetVirtualServer implements storage.VirtualServerStore.
func (s *Store) GetVirtualServer(ctx context.Context, id string) (*gateway.VirtualServerDescriptor, error) {
	var (
		vs        gateway.VirtualServerDescriptor
		deletedAt sql.NullInt64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, created_by, name, deleted_at, updated_at FROM virtual_servers WHERE id = ?`, id,
	).Scan(&vs.ID, &vs.OrganizationID, &vs.CreatedBy, &vs.Name, &deletedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("virtual server %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting virtual server: %w", err)
	}
	vs.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		vs.DeletedAt = &t
	}
	return &vs, nil
}

// ListChildren implements storage.VirtualServerStore.
func (s *Store) ListChildren(ctx context.Context, virtualServerID string) ([]gateway.ChildServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.display_order, `+prefixed("b.", backendColumns)+`
		 FROM virtual_server_children c JOIN backends b ON b.id = c.backend_id
		 WHERE c.virtual_server_id = ?
		 ORDER BY c.display_order, c.rowid`, virtualServerID)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	defer rows.Close()

	var out []gateway.ChildServer
	for rows.Next() {
		var order int
		b, err := scanBackend(orderScanner{rows: rows, order: &order})
		if err != nil {
			return nil, fmt.Errorf("scanning child: %w", err)
		}
		out = append(out, gateway.ChildServer{Backend: *b, DisplayOrder: order})
	}
	return out, rows.Err()
}

// orderScanner prepends the display order column to a backend scan.
type orderScanner struct {
	rows  *sql.Rows
	order *int
}

func (o orderScanner) Scan(dest ...any) error {
	return o.rows.Scan(append([]any{o.order}, dest...)...)
}

// VirtualServersContaining implements storage.VirtualServerStore.
func (s *Store) VirtualServersContaining(ctx context.Context, backendID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT virtual_server_id FROM virtual_server_children WHERE backend_id = ? ORDER BY virtual_server_id`,
		backendID)
	if err != nil {
		return nil, fmt.Errorf("listing virtual servers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning virtual server id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CatalogStamp implements storage.VirtualServerStore.
func (s *Store) CatalogStamp(ctx context.Context, virtualServerID string) (time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM (
			SELECT MAX(updated_at, children_updated_at) AS ts FROM virtual_servers WHERE id = ?1
			UNION ALL
			SELECT b.updated_at FROM virtual_server_children c
				JOIN backends b ON b.id = c.backend_id
				WHERE c.virtual_server_id = ?1
			UNION ALL
			SELECT i.updated_at FROM virtual_server_children c
				JOIN tool_instances i ON i.backend_id = c.backend_id
				WHERE c.virtual_server_id = ?1
			UNION ALL
			SELECT t.updated_at FROM virtual_server_children c
				JOIN tool_instances i ON i.backend_id = c.backend_id
				JOIN tools t ON t.instance_id = i.id
				WHERE c.virtual_server_id = ?1
		)`, virtualServerID).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing catalog stamp: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, fmt.Errorf("virtual server %s: %w", virtualServerID, storage.ErrNotFound)
	}
	return time.Unix(0, latest.Int64).UTC(), nil
}

// GetDelegatedToken implements storage.TokenStore.
func (s *Store) GetDelegatedToken(ctx context.Context, instanceID, userID string) (*gateway.DelegatedToken, error) {
	var (
		tok    gateway.DelegatedToken
		expiry int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, user_id, access_token, refresh_token, token_type, expiry
		 FROM delegated_tokens WHERE instance_id = ? AND user_id = ?`, instanceID, userID,
	).Scan(&tok.ID, &tok.InstanceID, &tok.UserID, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegated token: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting delegated token: %w", err)
	}
	if expiry != 0 {
		tok.Expiry = time.Unix(0, expiry).UTC()
	}
	return &tok, nil
}

// SaveDelegatedToken implements storage.TokenStore.
func (s *Store) SaveDelegatedToken(ctx context.Context, tok gateway.DelegatedToken) error {
	var expiry int64
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegated_tokens (id, instance_id, user_id, access_token, refresh_token, token_type, expiry)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance_id, user_id) DO UPDATE SET
			id = excluded.id, access_token = excluded.access_token, refresh_token = excluded.refresh_token,
			token_type = excluded.token_type, expiry = excluded.expiry`,
		tok.ID, tok.InstanceID, tok.UserID, tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry)
	if err != nil {
		return fmt.Errorf("saving delegated token: %w", err)
	}
	return nil
}

// CreateOrganization implements storage.Writer.
func (s *Store) CreateOrganization(ctx context.Context, org storage.Organization) error {
	return s.insert(ctx, `INSERT INTO organizations (id, name) VALUES (?, ?)`, org.ID, org.Name)
}

// CreateUser implements storage.Writer.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	return s.insert(ctx, `INSERT INTO users (id, subject, email) VALUES (?, ?, ?)`,
		user.ID, nullIfEmpty(user.Subject), nullIfEmpty(user.Email))
}

// AddMember implements storage.Writer.
func (s *Store) AddMember(ctx context.Context, organizationID, userID string) error {
	return s.insert(ctx,
		`INSERT INTO memberships (organization_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		organizationID, userID)
}

// CreateAPIKey implements storage.Writer.
func (s *Store) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	return s.insert(ctx, `INSERT INTO api_keys (hash, user_id, name) VALUES (?, ?, ?)`, key.Hash, key.UserID, key.Name)
}

func (s *Store) insert(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("inserting row: %w", err)
	}
	return nil
}

// PutBackend implements storage.Writer.
func (s *Store) PutBackend(ctx context.Context, b gateway.BackendDescriptor) error {
	encoded := make([]string, 0, 5)
	for _, v := range []any{b.Args, b.Env, b.AllowedTools, b.APIKeyHeaders, b.PIIPolicy.Categories} {
		raw, err := encodeJSON(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, raw)
	}
	var oc *oauthColumn
	if b.OAuth != nil {
		oc = &oauthColumn{
			ClientID: b.OAuth.ClientID, ClientSecret: b.OAuth.ClientSecret,
			AuthURL: b.OAuth.AuthURL, TokenURL: b.OAuth.TokenURL, Scopes: b.OAuth.Scopes,
		}
	}
	oauth, err := encodeJSON(oc)
	if err != nil {
		return err
	}
	var deletedAt sql.NullInt64
	if b.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: b.DeletedAt.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backends (`+backendColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, created_by = excluded.created_by,
			display_name = excluded.display_name, auth_mode = excluded.auth_mode,
			transport = excluded.transport, url = excluded.url, command = excluded.command,
			args = excluded.args, env = excluded.env, allowed_tools = excluded.allowed_tools,
			api_key_headers = excluded.api_key_headers,
			platform_identity_required = excluded.platform_identity_required,
			platform_identity_url = excluded.platform_identity_url, oauth = excluded.oauth,
			status = excluded.status, pii_mode = excluded.pii_mode,
			pii_categories = excluded.pii_categories, toon_conversion = excluded.toon_conversion,
			deleted_at = excluded.deleted_at, updated_at = excluded.updated_at`,
		b.ID, b.OrganizationID, b.CreatedBy, b.DisplayName, string(b.AuthMode), string(b.Transport), b.URL,
		b.Command, encoded[0], encoded[1], encoded[2], encoded[3], b.PlatformIdentityRequired,
		b.PlatformIdentityURL, oauth, string(b.Status), b.PIIPolicy.Mode, encoded[4], b.ToonConversionEnabled,
		deletedAt, s.stamp())
	if err != nil {
		return fmt.Errorf("saving backend: %w", err)
	}

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeBackend, ID: b.ID})
	return nil
}

// SetBackendStatus implements storage.Writer.
func (s *Store) SetBackendStatus(ctx context.Context, id string, status gateway.BackendStatus) error {
	return s.updateBackend(ctx, id, `UPDATE backends SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.stamp(), id)
}

// DeleteBackend implements storage.Writer. The backend is soft-deleted.
func (s *Store) DeleteBackend(ctx context.Context, id string) error {
	now := s.stamp()
	return s.updateBackend(ctx, id, `UPDATE backends SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
}

func (s *Store) updateBackend(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating backend: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("backend %s: %w", id, storage.ErrNotFound)
	}
	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeBackend, ID: id})
	return nil
}

// PutInstance implements storage.Writer.
func (s *Store) PutInstance(ctx context.Context, inst gateway.ToolInstance) error {
	config, err := encodeJSON(inst.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			backend_id = excluded.backend_id, display_name = excluded.display_name,
			normalized_name = excluded.normalized_name, display_order = excluded.display_order,
			enabled = excluded.enabled, config = excluded.config, updated_at = excluded.updated_at`,
		inst.ID, inst.BackendID, inst.DisplayName, inst.NormalizedName, inst.DisplayOrder, inst.Enabled,
		config, s.stamp())
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("backend %s: %w", inst.BackendID, storage.ErrNotFound)
		}
		return fmt.Errorf("saving instance: %w", err)
	}
	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeInstance, ID: inst.ID})
	return nil
}

// ReplaceTools implements storage.Writer.
func (s *Store) ReplaceTools(ctx context.Context, instanceID string, tools []gateway.ToolDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := s.stamp()
	res, err := tx.ExecContext(ctx, `UPDATE tool_instances SET updated_at = ? WHERE id = ?`, now, instanceID)
	if err != nil {
		return fmt.Errorf("touching instance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("tool instance %s: %w", instanceID, storage.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("clearing tools: %w", err)
	}
	for i, t := range tools {
		var schema sql.NullString
		if len(t.InputSchema) > 0 {
			schema = sql.NullString{String: string(t.InputSchema), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tools (instance_id, position, name, description, input_schema, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			instanceID, i, t.Name, t.Description, schema, now); err != nil {
			return fmt.Errorf("inserting tool %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tools: %w", err)
	}

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeTools, ID: instanceID})
	return nil
}

// PutVirtualServer implements storage.Writer.
func (s *Store) PutVirtualServer(ctx context.Context, vs gateway.VirtualServerDescriptor) error {
	var deletedAt sql.NullInt64
	if vs.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: vs.DeletedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO virtual_servers (id, organization_id, created_by, name, deleted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, created_by = excluded.created_by,
			name = excluded.name, deleted_at = excluded.deleted_at, updated_at = excluded.updated_at`,
		vs.ID, vs.OrganizationID, vs.CreatedBy, vs.Name, deletedAt, s.stamp())
	if err != nil {
		return fmt.Errorf("saving virtual server: %w", err)
	}
	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeVirtualServer, ID: vs.ID})
	return nil
}

// SetChildren implements storage.Writer.
func (s *Store) SetChildren(ctx context.Context, virtualServerID string, children []storage.ChildRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE virtual_servers SET children_updated_at = ? WHERE id = ?`, s.stamp(), virtualServerID)
	if err != nil {
		return fmt.Errorf("touching virtual server: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("virtual server %s: %w", virtualServerID, storage.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM virtual_server_children WHERE virtual_server_id = ?`, virtualServerID); err != nil {
		return fmt.Errorf("clearing children: %w", err)
	}
	for _, c := range children {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO virtual_server_children (virtual_server_id, backend_id, display_order) VALUES (?, ?, ?)`,
			virtualServerID, c.BackendID, c.DisplayOrder); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("backend %s: %w", c.BackendID, storage.ErrNotFound)
			}
			return fmt.Errorf("inserting child %s: %w", c.BackendID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing children: %w", err)
	}

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeVirtualServer, ID: virtualServerID})
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

func prefixed(prefix, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	atStart := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		switch {
		case c == ',' || c == ' ' || c == '\n' || c == '\t':
			atStart = true
		case atStart:
			out = append(out, prefix...)
			atStart = false
		}
		out = append(out, c)
	}
	return string(out)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
