package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
)

type SaveCredentialRequest struct {
	Name            string `json:"name"                        validate:"required"`
	CredentialRef   string `json:"credential_ref"              validate:"required,credential_ref"`
	TenantID        string `json:"tenant_id,omitempty"`
	UserID          string `json:"userid,omitempty"`
	Password        string `json:"password,omitempty"`
	AuthKey         string `json:"auth_key,omitempty"`
	AuthKeyPassword string `json:"auth_key_password,omitempty"`
}

// SaveCredential stores an authentication with its secret fields encrypted. The
// returned copy carries no secrets.
func (w *Workflow) SaveCredential(ctx context.Context, request SaveCredentialRequest) (*models.Authentication, error) {
	const op = "SaveCredential"

	err := w.validate.Struct(request)
	if err != nil {
		return nil, newError(op, ErrValidation, err.Error(), err)
	}

	authentication := &models.Authentication{
		ID:            uuid.NewString(),
		Name:          request.Name,
		CredentialRef: request.CredentialRef,
		TenantID:      request.TenantID,
		UserID:        request.UserID,
	}

	for target, plain := range map[*string]string{
		&authentication.Password:        request.Password,
		&authentication.AuthKey:         request.AuthKey,
		&authentication.AuthKeyPassword: request.AuthKeyPassword,
	} {
		if plain == "" {
			continue
		}

		*target, err = w.box.Encrypt(plain)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt credential: %w", err)
		}
	}

	err = w.persistence.AuthenticationRepository().Save(ctx, authentication)
	if errors.Is(err, persistence.ErrAuthenticationAlreadyExists) {
		return nil, newError(op, ErrConflict, fmt.Sprintf("credential %q already exists", request.CredentialRef), err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	w.logger.InfoContext(ctx, "Saved credential", "credential_ref", authentication.CredentialRef, "tenant_id", authentication.TenantID)

	redacted := *authentication
	redacted.Password, redacted.AuthKey, redacted.AuthKeyPassword = "", "", ""

	return &redacted, nil
}
