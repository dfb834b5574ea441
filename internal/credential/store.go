package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a credential ID has no row.
var ErrNotFound = errors.New("credential not found")

// Store persists credentials in the shared SQLite database.
type Store struct {
	db *sql.DB

	// failureThreshold is the consecutive-error count at which a
	// credential is flagged unhealthy.
	failureThreshold int
}

// NewStore creates a store over an opened database. threshold <= 0 uses the
// default of 3.
func NewStore(db *sql.DB, threshold int) *Store {
	if threshold <= 0 {
		threshold = 3
	}
	return &Store{db: db, failureThreshold: threshold}
}

const credentialColumns = `id, provider_type, tier, auth_kind, auth_json, is_healthy,
	current_load, supports_vision, supports_tools, context_len,
	consecutive_errors, last_used, created_at, updated_at`

// Create inserts a credential, assigning an ID when absent.
func (s *Store) Create(ctx context.Context, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.IsHealthy = true

	authJSON, err := c.Auth.marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, provider_type, tier, auth_kind, auth_json,
			is_healthy, current_load, supports_vision, supports_tools, context_len,
			consecutive_errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.ProviderType, string(c.Tier), string(c.Auth.Kind), authJSON,
		c.CurrentLoad, c.Capabilities.Vision, c.Capabilities.Tools, c.Capabilities.ContextLen,
		now, now)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Get fetches one credential by ID.
func (s *Store) Get(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// List returns credentials, optionally filtered by tier.
func (s *Store) List(ctx context.Context, tier Tier) ([]*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials`
	args := []any{}
	if tier != "" {
		query += ` WHERE tier = ?`
		args = append(args, string(tier))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a credential.
func (s *Store) Update(ctx context.Context, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	authJSON, err := c.Auth.marshal()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET provider_type = ?, tier = ?, auth_kind = ?, auth_json = ?,
			is_healthy = ?, current_load = ?, supports_vision = ?,
			supports_tools = ?, context_len = ?, updated_at = ?
		WHERE id = ?`,
		c.ProviderType, string(c.Tier), string(c.Auth.Kind), authJSON,
		c.IsHealthy, c.CurrentLoad, c.Capabilities.Vision, c.Capabilities.Tools,
		c.Capabilities.ContextLen, time.Now().UTC(), c.ID)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return requireRow(res)
}

// Delete removes a credential.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return requireRow(res)
}

// RecordSuccess clears the error counter, heals the credential, and stamps
// last_used.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET consecutive_errors = 0, is_healthy = 1, last_used = ?, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return requireRow(res)
}

// RecordError increments the consecutive-error counter and flips the
// credential unhealthy once the threshold is reached.
func (s *Store) RecordError(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET consecutive_errors = consecutive_errors + 1,
			is_healthy = CASE WHEN consecutive_errors + 1 >= ? THEN 0 ELSE is_healthy END,
			updated_at = ?
		WHERE id = ?`, s.failureThreshold, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return requireRow(res)
}

// SetHealthy flips the health flag explicitly (admin heal/quarantine).
func (s *Store) SetHealthy(ctx context.Context, id string, healthy bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET is_healthy = ?, consecutive_errors = CASE WHEN ? THEN 0 ELSE consecutive_errors END,
			updated_at = ?
		WHERE id = ?`, healthy, healthy, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set healthy: %w", err)
	}
	return requireRow(res)
}

// SetLoad records the selector's utilization estimate.
func (s *Store) SetLoad(ctx context.Context, id string, load int) error {
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET current_load = ?, updated_at = ? WHERE id = ?`,
		load, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set load: %w", err)
	}
	return requireRow(res)
}

// UpdateTokens persists refreshed token material without touching other
// fields.
func (s *Store) UpdateTokens(ctx context.Context, id string, auth Auth) error {
	authJSON, err := auth.marshal()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET auth_json = ?, updated_at = ? WHERE id = ?`,
		authJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var tier, authKind, authJSON string
	var lastUsed sql.NullTime
	err := row.Scan(&c.ID, &c.ProviderType, &tier, &authKind, &authJSON,
		&c.IsHealthy, &c.CurrentLoad, &c.Capabilities.Vision, &c.Capabilities.Tools,
		&c.Capabilities.ContextLen, &c.ConsecutiveErrors, &lastUsed,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.Tier = Tier(tier)
	c.Auth, err = unmarshalAuth(authJSON)
	if err != nil {
		return nil, err
	}
	c.Auth.Kind = AuthKind(authKind)
	if lastUsed.Valid {
		c.LastUsed = lastUsed.Time
	}
	return &c, nil
}
