// Package credentials stores per-owner provider API keys sealed with a server key.
package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/store"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrNoCredential = errors.New("no provider credential for owner")
	ErrInvalidKey   = errors.New("credentials key must be 32 bytes")
	ErrCorrupt      = errors.New("sealed credential cannot be opened")
	ErrEmptyAPIKey  = errors.New("api key must not be empty")
)

const nonceSize = 24

// Vault seals and opens secrets with NaCl secretbox.
type Vault struct {
	key [32]byte
}

func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// Seal returns nonce||ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key), nil
}

func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrCorrupt
	}
	return out, nil
}

// CredentialStore is the slice of store.Store the Resolver needs.
type CredentialStore interface {
	GetProviderCredential(ctx context.Context, ownerID uuid.UUID, provider string) ([]byte, error)
	PutProviderCredential(ctx context.Context, ownerID uuid.UUID, provider string, sealed []byte) error
}

// Resolver saves and resolves provider API keys for owners.
type Resolver struct {
	store CredentialStore
	vault *Vault
}

func NewResolver(s CredentialStore, v *Vault) *Resolver {
	return &Resolver{store: s, vault: v}
}

// Put seals apiKey and stores it, replacing any previous key.
func (r *Resolver) Put(ctx context.Context, ownerID uuid.UUID, provider, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyAPIKey
	}
	sealed, err := r.vault.Seal([]byte(apiKey))
	if err != nil {
		return err
	}
	return r.store.PutProviderCredential(ctx, ownerID, provider, sealed)
}

// Resolve returns the owner's API key for provider, or ErrNoCredential.
func (r *Resolver) Resolve(ctx context.Context, ownerID uuid.UUID, provider string) (string, error) {
	sealed, err := r.store.GetProviderCredential(ctx, ownerID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	key, err := r.vault.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("owner %s provider %s: %w", ownerID, provider, err)
	}
	return string(key), nil
}

// Has reports whether the owner has a usable key for provider.
func (r *Resolver) Has(ctx context.Context, ownerID uuid.UUID, provider string) (bool, error) {
	_, err := r.Resolve(ctx, ownerID, provider)
	if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrCorrupt) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
