package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/99designs/keyring"
)

// KeyringConfig configures the OS keyring backend.
type KeyringConfig struct {
	ServiceName  string
	FileDir      string // used by the encrypted-file fallback backend
	FilePassword string
}

// KeyringStore keeps credential records in the OS keyring, one item per
// identity, JSON encoded.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring with a file fallback.
func OpenKeyring(cfg KeyringConfig) (*KeyringStore, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sheetvault"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Get returns the record for identity, or nil if the keyring has none.
func (s *KeyringStore) Get(ctx context.Context, identity string) (*Record, error) {
	item, err := s.ring.Get(Canonical(identity))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", identity, err)
	}

	var rec Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", identity, err)
	}
	return &rec, nil
}

// Upsert writes rec as a single keyring item.
func (s *KeyringStore) Upsert(ctx context.Context, rec Record) error {
	rec.Identity = Canonical(rec.Identity)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", rec.Identity, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         rec.Identity,
		Data:        data,
		Label:       "sheetvault " + rec.Identity,
		Description: "Gmail OAuth credential",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", rec.Identity, err)
	}
	return nil
}

// ListAll returns every record in the keyring, ordered by identity.
func (s *KeyringStore) ListAll(ctx context.Context) ([]Record, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

var _ Store = (*KeyringStore)(nil)
