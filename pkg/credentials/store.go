package credentials

import (
	"context"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/secrets"
)

var authenticationFields = []string{
	models.AuthenticationFieldUserID,
	models.AuthenticationFieldPassword,
	models.AuthenticationFieldAuthKey,
	models.AuthenticationFieldAuthKeyPassword,
}

// AuthenticationStore serves stored authentications of the requester's tenant.
type AuthenticationStore struct {
	repository persistence.AuthenticationRepository
	box        *secrets.Box
}

func NewAuthenticationStore(repository persistence.AuthenticationRepository, box *secrets.Box) *AuthenticationStore {
	return &AuthenticationStore{repository: repository, box: box}
}

// Lookup returns the non-empty fields of the authentication, decrypted.
func (s *AuthenticationStore) Lookup(ctx context.Context, credentialRef string, scope models.Requester) (map[string]string, error) {
	authentication, err := s.repository.GetByCredentialRef(ctx, credentialRef, scope.TenantID)
	if err != nil {
		if persistence.IsAuthenticationNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialRef)
		}

		return nil, err
	}

	fields := make(map[string]string, len(authenticationFields))

	for _, name := range authenticationFields {
		value, err := authentication.Field(name)
		if err != nil {
			return nil, err
		}

		if value == "" {
			continue
		}

		if models.IsSecretField(name) {
			value, err = s.box.TryDecrypt(value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt %s of %s: %w", name, credentialRef, err)
			}
		}

		fields[name] = value
	}

	return fields, nil
}
