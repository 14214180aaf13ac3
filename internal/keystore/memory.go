package keystore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/rajasatyajit/toolgate/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// InMemoryStore implements Store with an id-indexed map guarded by a
// striped-lock for per-key critical sections (spec §5, §7), mirroring
// teacher internal/store.InMemoryStore generalized from one global
// sync.RWMutex to shardCount per-key mutexes.
type InMemoryStore struct {
	mu      sync.RWMutex // guards the maps themselves (insert/delete/list)
	locks   shardedLocks // guards per-record mutation
	records map[string]*Record
	aliases map[string]string // alias id -> primary record id
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*Record),
		aliases: make(map[string]string),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, name string, quota QuotaConfig) (string, *Record, error) {
	id, raw, hash, err := generateAPIKey()
	if err != nil {
		return "", nil, err
	}
	rec := NewRecord(id, hash, name)
	rec.Quota = quota

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	return raw, rec.Clone(), nil
}

func (s *InMemoryStore) resolve(id string) (*Record, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[id]; ok {
		return rec, id
	}
	if primaryID, ok := s.aliases[id]; ok {
		if rec, ok := s.records[primaryID]; ok {
			return rec, primaryID
		}
	}
	return nil, ""
}

func (s *InMemoryStore) Lookup(ctx context.Context, rawKey string) (*Record, error) {
	id, secret, ok := parseAPIKey(rawKey)
	if !ok {
		return nil, apperrors.ErrUnauthorized
	}

	rec, primaryID := s.resolve(id)
	if rec == nil {
		return nil, apperrors.ErrNotFound
	}

	unlock := s.locks.lock(primaryID)
	defer unlock()

	hash := rec.SecretHash
	if id != primaryID {
		for _, a := range rec.Aliases {
			if a.ID == id {
				hash = a.SecretHash
				break
			}
		}
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return nil, apperrors.ErrUnauthorized
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, primaryID := s.resolve(id)
	if rec == nil {
		return nil, apperrors.ErrNotFound
	}
	unlock := s.locks.lock(primaryID)
	defer unlock()
	return rec.Clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		unlock := s.locks.lock(id)
		s.mu.RLock()
		rec := s.records[id]
		s.mu.RUnlock()
		if rec != nil {
			out = append(out, rec.Clone())
		}
		unlock()
	}
	return out, nil
}

func (s *InMemoryStore) Update(ctx context.Context, id string, mutate func(*Record) error) error {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.ErrNotFound
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if err := mutate(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.records, id)
	for aliasID, primaryID := range s.aliases {
		if primaryID == id {
			delete(s.aliases, aliasID)
		}
	}
	return nil
}

func (s *InMemoryStore) GrantCredits(ctx context.Context, id string, credits int64) error {
	return s.Update(ctx, id, func(rec *Record) error {
		rec.Credits += credits
		return nil
	})
}

func (s *InMemoryStore) SnapshotToJSON(ctx context.Context) ([]byte, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	doc := struct {
		Version int                `json:"version"`
		Keys    map[string]*Record `json:"keys"`
	}{Version: 1, Keys: make(map[string]*Record, len(recs))}
	for _, r := range recs {
		doc.Keys[r.ID] = r
	}
	return json.Marshal(doc)
}

func (s *InMemoryStore) Health(ctx context.Context) error { return nil }

// RegisterAlias makes aliasID resolve to the same record as primaryID,
// each with its own secret hash, for in-flight key rotation.
func (s *InMemoryStore) RegisterAlias(ctx context.Context, primaryID, aliasID string, secretHash []byte) error {
	s.mu.Lock()
	if _, ok := s.records[primaryID]; !ok {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}
	s.aliases[aliasID] = primaryID
	s.mu.Unlock()

	return s.Update(ctx, primaryID, func(rec *Record) error {
		rec.Aliases = append(rec.Aliases, AliasCredential{ID: aliasID, SecretHash: secretHash})
		return nil
	})
}
