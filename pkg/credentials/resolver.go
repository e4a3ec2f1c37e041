// Package credentials expands workflow credential mappings into secret values and
// folds values rewritten by a workflow back into the mapping.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/secrets"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Store looks up the fields of a stored credential visible to the requester.
type Store interface {
	Lookup(ctx context.Context, credentialRef string, scope models.Requester) (map[string]string, error)
}

type Resolver struct {
	store  Store
	box    *secrets.Box
	logger *slog.Logger
}

func NewResolver(store Store, box *secrets.Box, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		box:    box,
		logger: logger.With("module", "credentials"),
	}
}

// Resolve returns the plaintext value of every entry. A missing reference or field
// fails with ErrCredentialNotFound.
func (r *Resolver) Resolve(ctx context.Context, scope models.Requester, mapping models.CredentialMap) (map[string]string, error) {
	resolved := make(map[string]string, len(mapping))
	lookups := make(map[string]map[string]string)

	for _, key := range mapping.Keys() {
		value, err := r.resolveValue(ctx, scope, mapping[key], lookups)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", key, err)
		}

		resolved[key] = value
	}

	return resolved, nil
}

// Reconcile folds the values reported after a transition into the mapping. A reference
// that still resolves to the reported value is kept, a literal with an unchanged value
// is kept as is, anything else becomes a freshly encrypted literal. Keys that were not
// reported are left untouched.
func (r *Resolver) Reconcile(ctx context.Context, scope models.Requester, previous models.CredentialMap, reported map[string]string) (models.CredentialMap, error) {
	reconciled := previous.Clone()
	if reconciled == nil {
		reconciled = make(models.CredentialMap, len(reported))
	}

	lookups := make(map[string]map[string]string)

	for key, value := range reported {
		unchanged, err := r.matches(ctx, scope, previous[key], value, lookups)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", key, err)
		}

		if unchanged {
			continue
		}

		encrypted, err := r.box.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", key, err)
		}

		if _, wasReference := previous[key].(models.ReferenceCredential); wasReference {
			r.logger.DebugContext(ctx, "Replacing credential reference with literal", "key", key)
		}

		reconciled[key] = models.LiteralCredential{Encrypted: encrypted}
	}

	return reconciled, nil
}

func (r *Resolver) matches(ctx context.Context, scope models.Requester, previous models.CredentialValue, value string, lookups map[string]map[string]string) (bool, error) {
	if previous == nil {
		return false, nil
	}

	current, err := r.resolveValue(ctx, scope, previous, lookups)
	if errors.Is(err, ErrCredentialNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return current == value, nil
}

func (r *Resolver) resolveValue(ctx context.Context, scope models.Requester, value models.CredentialValue, lookups map[string]map[string]string) (string, error) {
	switch v := value.(type) {
	case models.LiteralCredential:
		return r.box.TryDecrypt(v.Encrypted)
	case models.ReferenceCredential:
		fields, ok := lookups[v.CredentialRef]
		if !ok {
			var err error

			fields, err = r.store.Lookup(ctx, v.CredentialRef, scope)
			if err != nil {
				return "", err
			}

			lookups[v.CredentialRef] = fields
		}

		field, ok := fields[v.Field]
		if !ok {
			return "", fmt.Errorf("%w: %s has no field %s", ErrCredentialNotFound, v.CredentialRef, v.Field)
		}

		return field, nil
	default:
		return "", fmt.Errorf("%w: %T", models.ErrInvalidCredentialValue, value)
	}
}
