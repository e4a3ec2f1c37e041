package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// referenceKeySuffix marks a reference entry in the stored JSON form of a CredentialMap.
const referenceKeySuffix = ".$"

var ErrInvalidCredentialValue = errors.New("invalid credential value")

// CredentialValue is either a LiteralCredential or a ReferenceCredential.
type CredentialValue interface {
	credentialValue()
}

// LiteralCredential holds an encrypted secret inline.
type LiteralCredential struct {
	Encrypted string
}

// ReferenceCredential points at a field of an externally stored Authentication.
type ReferenceCredential struct {
	CredentialRef string `json:"credential_ref"`
	Field         string `json:"credential_field"`
}

func (LiteralCredential) credentialValue()   {}
func (ReferenceCredential) credentialValue() {}

// CredentialMap maps workflow credential keys to their stored values.
type CredentialMap map[string]CredentialValue

// Clone copies the map. Values are immutable structs so a shallow copy suffices.
func (m CredentialMap) Clone() CredentialMap {
	if m == nil {
		return nil
	}

	clone := make(CredentialMap, len(m))
	for key, value := range m {
		clone[key] = value
	}

	return clone
}

// Keys returns the credential keys in sorted order.
func (m CredentialMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// MarshalJSON writes literals as "key": "<encrypted>" and references as
// "key.$": {"credential_ref": ..., "credential_field": ...}.
func (m CredentialMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}

	wire := make(map[string]any, len(m))

	for key, value := range m {
		switch v := value.(type) {
		case LiteralCredential:
			wire[key] = v.Encrypted
		case ReferenceCredential:
			wire[key+referenceKeySuffix] = v
		default:
			return nil, fmt.Errorf("%w: %T for key %q", ErrInvalidCredentialValue, value, key)
		}
	}

	return json.Marshal(wire)
}

func (m *CredentialMap) UnmarshalJSON(data []byte) error {
	var wire map[string]json.RawMessage

	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}

	if wire == nil {
		*m = nil

		return nil
	}

	result := make(CredentialMap, len(wire))

	// Literals first so a reference wins when both forms of a key are present.
	for key, raw := range wire {
		if strings.HasSuffix(key, referenceKeySuffix) {
			continue
		}

		var encrypted string

		err := json.Unmarshal(raw, &encrypted)
		if err != nil {
			return fmt.Errorf("%w: key %q: %w", ErrInvalidCredentialValue, key, err)
		}

		result[key] = LiteralCredential{Encrypted: encrypted}
	}

	for key, raw := range wire {
		name, isReference := strings.CutSuffix(key, referenceKeySuffix)
		if !isReference {
			continue
		}

		var reference ReferenceCredential

		err := json.Unmarshal(raw, &reference)
		if err != nil {
			return fmt.Errorf("%w: key %q: %w", ErrInvalidCredentialValue, key, err)
		}

		if reference.CredentialRef == "" || reference.Field == "" {
			return fmt.Errorf("%w: key %q needs credential_ref and credential_field", ErrInvalidCredentialValue, key)
		}

		result[name] = reference
	}

	*m = result

	return nil
}
