package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownAuthenticationField = errors.New("unknown authentication field")

// Authentication fields addressable from a ReferenceCredential.
const (
	AuthenticationFieldUserID          = "userid"
	AuthenticationFieldPassword        = "password"
	AuthenticationFieldAuthKey         = "auth_key"
	AuthenticationFieldAuthKeyPassword = "auth_key_password"
)

// Authentication is an externally managed credential. Secret fields are stored encrypted.
type Authentication struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"                        validate:"required"`
	CredentialRef   string    `json:"credential_ref"              validate:"required,credential_ref"`
	TenantID        string    `json:"tenant_id,omitempty"`
	UserID          string    `json:"userid,omitempty"`
	Password        string    `json:"password,omitempty"`
	AuthKey         string    `json:"auth_key,omitempty"`
	AuthKeyPassword string    `json:"auth_key_password,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Field returns the stored value of a named field. Secret fields come back still encrypted.
func (a *Authentication) Field(name string) (string, error) {
	switch name {
	case AuthenticationFieldUserID:
		return a.UserID, nil
	case AuthenticationFieldPassword:
		return a.Password, nil
	case AuthenticationFieldAuthKey:
		return a.AuthKey, nil
	case AuthenticationFieldAuthKeyPassword:
		return a.AuthKeyPassword, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownAuthenticationField, name)
	}
}

// IsSecretField reports whether the field is encrypted at rest.
func IsSecretField(name string) bool {
	return name != AuthenticationFieldUserID
}
