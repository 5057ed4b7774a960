package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisops/aegis/internal/model"
)

const serverColumns = `id, name, hostname, port, protocol, os_type,
	environment, enabled, username, password_encrypted, ssh_key_encrypted,
	sudo_password_encrypted, api_token_encrypted, credential_profile_id,
	use_ssl, verify_ssl`

func scanServer(row pgx.Row) (*model.Server, error) {
	var sv model.Server
	err := row.Scan(&sv.ID, &sv.Name, &sv.Hostname, &sv.Port, &sv.Protocol,
		&sv.OSType, &sv.Environment, &sv.Enabled, &sv.Username,
		&sv.PasswordEncrypted, &sv.SSHKeyEncrypted, &sv.SudoPasswordEncrypted,
		&sv.APITokenEncrypted, &sv.CredentialProfileID, &sv.UseSSL, &sv.VerifySSL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return &sv, nil
}

// GetServer loads one server by id. Returns nil when absent.
func (s *Store) GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	return scanServer(row)
}

// FindServer looks a server up by hostname or name, case-insensitively.
// Used by target-from-alert resolution. Returns nil when absent.
func (s *Store) FindServer(ctx context.Context, hostOrName string) (*model.Server, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+serverColumns+` FROM servers
		WHERE LOWER(hostname) = LOWER($1) OR LOWER(name) = LOWER($1)
		ORDER BY enabled DESC
		LIMIT 1`, hostOrName)
	return scanServer(row)
}

// ListEnabledServers returns every enabled server, for connection sweeps.
func (s *Store) ListEnabledServers(ctx context.Context) ([]*model.Server, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []*model.Server
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// CreateServer inserts a server row. Secrets arrive already encrypted.
func (s *Store) CreateServer(ctx context.Context, sv *model.Server) error {
	if sv.ID == uuid.Nil {
		sv.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		sv.ID, sv.Name, sv.Hostname, sv.Port, sv.Protocol, sv.OSType,
		sv.Environment, sv.Enabled, sv.Username, sv.PasswordEncrypted,
		sv.SSHKeyEncrypted, sv.SudoPasswordEncrypted, sv.APITokenEncrypted,
		sv.CredentialProfileID, sv.UseSSL, sv.VerifySSL)
	if err != nil {
		return fmt.Errorf("insert server %q: %w", sv.Name, err)
	}
	return nil
}

// GetCredentialProfile loads one shared credential profile, or nil.
func (s *Store) GetCredentialProfile(ctx context.Context, id uuid.UUID) (*model.CredentialProfile, error) {
	var p model.CredentialProfile
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, auth_type, username, secret_encrypted, header_name,
			base_url, timeout_seconds, extra_headers
		FROM credential_profiles WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.AuthType, &p.Username, &p.SecretEncrypted,
			&p.HeaderName, &p.BaseURL, &p.TimeoutSeconds, &p.ExtraHeaders)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential profile: %w", err)
	}
	return &p, nil
}

// CreateCredentialProfile inserts a shared credential profile.
func (s *Store) CreateCredentialProfile(ctx context.Context, p *model.CredentialProfile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credential_profiles (id, name, auth_type, username,
			secret_encrypted, header_name, base_url, timeout_seconds, extra_headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		p.ID, p.Name, p.AuthType, p.Username, p.SecretEncrypted,
		p.HeaderName, p.BaseURL, p.TimeoutSeconds, jsonMap(p.ExtraHeaders))
	if err != nil {
		return fmt.Errorf("insert credential profile %q: %w", p.Name, err)
	}
	return nil
}
