package keystore

import "context"

// Store is the key-store persistence seam. New returns the in-memory
// implementation unless db is configured, mirroring teacher
// internal/store.New's InMemoryStore/PostgresStore split.
type Store interface {
	// Create mints a new key, returning the raw bearer string exactly
	// once; it is never retrievable again.
	Create(ctx context.Context, name string, quota QuotaConfig) (rawKey string, rec *Record, err error)

	// Lookup resolves a bearer string (primary or alias credential) to
	// its Record, verifying the secret against the stored bcrypt hash.
	Lookup(ctx context.Context, rawKey string) (*Record, error)

	// Get returns a record by its lookup ID without verifying a secret,
	// for admin-surface reads.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns all records, for admin listing and alert-engine sweeps.
	List(ctx context.Context) ([]*Record, error)

	// Update runs mutate under the per-key critical section and persists
	// the result. mutate must not retain rec beyond the call.
	Update(ctx context.Context, id string, mutate func(rec *Record) error) error

	// Delete revokes and removes a key permanently.
	Delete(ctx context.Context, id string) error

	// GrantCredits adds credits to a key's balance; implements
	// billing.CreditGranter for the webhook-driven top-up flow.
	GrantCredits(ctx context.Context, id string, credits int64) error

	// SnapshotToJSON renders the persisted-document shape from spec §6
	// for the external persistence collaborator.
	SnapshotToJSON(ctx context.Context) ([]byte, error)

	Health(ctx context.Context) error
}

// Database is the subset of internal/database.DB the Postgres-backed
// store needs, mirroring teacher internal/store.Database.
type Database interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (interface{}, error)
	QueryRow(ctx context.Context, sql string, args ...any) interface{}
	Health(ctx context.Context) error
	IsConfigured() bool
}

// New returns a PostgresStore when db is configured, otherwise an
// InMemoryStore.
func New(db Database) Store {
	if db != nil && db.IsConfigured() {
		return NewPostgresStore(db)
	}
	return NewInMemoryStore()
}
