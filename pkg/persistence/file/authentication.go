package file

import (
	"context"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// AuthenticationRepository stores credentials under <root>/authentications.
// Lookups by reference scan the directory.
type AuthenticationRepository struct {
	documents *collection
}

func NewAuthenticationRepository(root string) *AuthenticationRepository {
	return &AuthenticationRepository{documents: newCollection(root, "authentications")}
}

func (ar *AuthenticationRepository) Save(_ context.Context, authentication *models.Authentication) error {
	ar.documents.mu.Lock()
	defer ar.documents.mu.Unlock()

	existing, err := ar.find(authentication.CredentialRef, authentication.TenantID)
	if err != nil {
		return err
	}

	if existing != nil && existing.ID != authentication.ID {
		return persistence.ErrAuthenticationAlreadyExists
	}

	now := time.Now().UTC()
	if authentication.CreatedAt.IsZero() {
		authentication.CreatedAt = now
	}

	authentication.UpdatedAt = now

	return ar.documents.write(authentication.ID, authentication)
}

func (ar *AuthenticationRepository) GetByCredentialRef(_ context.Context, credentialRef, tenantID string) (*models.Authentication, error) {
	ar.documents.mu.Lock()
	defer ar.documents.mu.Unlock()

	authentication, err := ar.find(credentialRef, tenantID)
	if err != nil {
		return nil, err
	}

	if authentication == nil {
		return nil, persistence.ErrAuthenticationNotFound
	}

	return authentication, nil
}

func (ar *AuthenticationRepository) find(credentialRef, tenantID string) (*models.Authentication, error) {
	ids, err := ar.documents.ids()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		var authentication models.Authentication

		found, err := ar.documents.read(id, &authentication)
		if err != nil {
			return nil, err
		}

		if found && authentication.CredentialRef == credentialRef && authentication.TenantID == tenantID {
			return &authentication, nil
		}
	}

	return nil, nil
}
