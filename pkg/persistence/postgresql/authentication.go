package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// AuthenticationRepository handles stored credential database operations.
type AuthenticationRepository struct {
	db *sql.DB
}

func NewAuthenticationRepository(db *sql.DB) *AuthenticationRepository {
	return &AuthenticationRepository{db: db}
}

func (r *AuthenticationRepository) Save(ctx context.Context, authentication *models.Authentication) error {
	now := time.Now().UTC()
	if authentication.CreatedAt.IsZero() {
		authentication.CreatedAt = now
	}

	authentication.UpdatedAt = now

	query := `
		INSERT INTO authentications (id, name, credential_ref, tenant_id, userid, password, auth_key, auth_key_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			credential_ref = EXCLUDED.credential_ref,
			tenant_id = EXCLUDED.tenant_id,
			userid = EXCLUDED.userid,
			password = EXCLUDED.password,
			auth_key = EXCLUDED.auth_key,
			auth_key_password = EXCLUDED.auth_key_password,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		authentication.ID,
		authentication.Name,
		authentication.CredentialRef,
		authentication.TenantID,
		authentication.UserID,
		authentication.Password,
		authentication.AuthKey,
		authentication.AuthKeyPassword,
		authentication.CreatedAt,
		authentication.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.ErrAuthenticationAlreadyExists
		}

		return fmt.Errorf("failed to save authentication: %w", err)
	}

	return nil
}

func (r *AuthenticationRepository) GetByCredentialRef(ctx context.Context, credentialRef, tenantID string) (*models.Authentication, error) {
	query := `
		SELECT id, name, credential_ref, tenant_id, userid, password, auth_key, auth_key_password, created_at, updated_at
		FROM authentications
		WHERE credential_ref = $1 AND tenant_id = $2
	`

	var authentication models.Authentication

	err := r.db.QueryRowContext(ctx, query, credentialRef, tenantID).Scan(
		&authentication.ID,
		&authentication.Name,
		&authentication.CredentialRef,
		&authentication.TenantID,
		&authentication.UserID,
		&authentication.Password,
		&authentication.AuthKey,
		&authentication.AuthKeyPassword,
		&authentication.CreatedAt,
		&authentication.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAuthenticationNotFound
		}

		return nil, fmt.Errorf("failed to scan authentication: %w", err)
	}

	return &authentication, nil
}
