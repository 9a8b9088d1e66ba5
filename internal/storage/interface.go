// Package storage defines the persistence surface for the trigger engine
// and the records it stores. Backend adapters live in subpackages; the
// engine itself depends only on the narrow TriggerStore interface.
package storage

import (
	"context"
	"time"

	"triggerhappy/internal/common/errors"
)

// ServiceDefinition is an administratively enabled service
type ServiceDefinition struct {
	Name         string
	Enabled      bool
	AuthRequired bool
	Description  string
}

// ServiceConnection is a user's authorized instance of a service. The
// credential is stored encrypted when an encryptor is configured; adapters
// return it decrypted.
type ServiceConnection struct {
	ID          int64
	Owner       string
	ServiceName string
	Credential  string
	Settings    map[string]string
}

// Trigger binds one provider connection to one consumer connection. The
// provider and consumer are hydrated value objects so the firing loop never
// performs hidden lookups. LastFiredAt is the watermark: nil until the
// first pass arms the trigger, monotonically non-decreasing afterwards.
type Trigger struct {
	ID          int64
	Owner       string
	Description string
	Provider    ServiceConnection
	Consumer    ServiceConnection
	Enabled     bool
	CreatedAt   time.Time
	LastFiredAt *time.Time
}

// Validate checks the trigger invariants shared by every adapter
func (t *Trigger) Validate() error {
	if t.Owner == "" {
		return errors.ValidationError("trigger owner must not be empty")
	}
	if t.Provider.ServiceName == t.Consumer.ServiceName {
		return errors.ValidationError("a trigger cannot connect a service to itself")
	}
	if t.Provider.Owner != t.Owner || t.Consumer.Owner != t.Owner {
		return errors.ValidationError("provider and consumer connections must belong to the trigger owner")
	}
	return nil
}

// TriggerStore is the minimal surface the firing engine requires
type TriggerStore interface {
	// ListEligibleTriggers returns all enabled triggers with provider and
	// consumer connections hydrated, in arbitrary order
	ListEligibleTriggers(ctx context.Context) ([]*Trigger, error)

	// AdvanceWatermark sets the trigger's LastFiredAt. Adapters enforce
	// monotonicity: a timestamp older than the stored watermark is a no-op.
	AdvanceWatermark(ctx context.Context, triggerID int64, ts time.Time) error
}

// Store is the full persistence surface used by the application shell
// (catalog administration, authorization flow, trigger management)
type Store interface {
	TriggerStore

	Close() error
	Health(ctx context.Context) error

	// Service catalog
	UpsertServiceDefinition(ctx context.Context, def *ServiceDefinition) error
	GetServiceDefinition(ctx context.Context, name string) (*ServiceDefinition, error)
	ListServiceDefinitions(ctx context.Context) ([]*ServiceDefinition, error)
	ListEnabledServiceDefinitions(ctx context.Context) ([]*ServiceDefinition, error)

	// Service connections
	CreateServiceConnection(ctx context.Context, conn *ServiceConnection) error
	GetServiceConnection(ctx context.Context, id int64) (*ServiceConnection, error)
	ListServiceConnectionsByOwner(ctx context.Context, owner string) ([]*ServiceConnection, error)
	DeleteServiceConnection(ctx context.Context, id int64) error

	// Triggers
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id int64) (*Trigger, error)
	ListTriggersByOwner(ctx context.Context, owner string) ([]*Trigger, error)
	SetTriggerEnabled(ctx context.Context, id int64, enabled bool) error
	DeleteTrigger(ctx context.Context, id int64) error
}

// CredentialCipher is the subset of the crypto encryptor the adapters use.
// A nil cipher stores credentials as-is.
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// EncryptCredential applies the cipher when one is configured
func EncryptCredential(cipher CredentialCipher, credential string) (string, error) {
	if cipher == nil {
		return credential, nil
	}
	return cipher.Encrypt(credential)
}

// DecryptCredential reverses EncryptCredential
func DecryptCredential(cipher CredentialCipher, credential string) (string, error) {
	if cipher == nil {
		return credential, nil
	}
	return cipher.Decrypt(credential)
}
