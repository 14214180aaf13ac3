package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pgx "github.com/jackc/pgx/v5"
	apperrors "github.com/rajasatyajit/toolgate/internal/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// PostgresStore implements Store against the gateway_keys table. It is
// the durable persistence collaborator mentioned in spec §6/§11 — the
// process-local shardedLocks still own each record's critical section;
// Postgres only sees committed snapshots before/after each mutation.
type PostgresStore struct {
	db    Database
	local *InMemoryStore // process-local cache and lock owner

	// lookupGroup collapses a burst of concurrent Lookup calls bearing
	// the identical raw key (e.g. a thundering herd retrying the same
	// credential) into one round trip plus one bcrypt comparison; every
	// caller in the burst wants the exact same answer, so sharing it is
	// safe here unlike a stateful counter update.
	lookupGroup singleflight.Group
}

func NewPostgresStore(db Database) *PostgresStore {
	return &PostgresStore{db: db, local: NewInMemoryStore()}
}

type recordRow struct {
	ACL           ACL               `json:"acl"`
	Scopes        map[string]string `json:"scopes"`
	Quota         QuotaConfig       `json:"quota"`
	QuotaCounters QuotaCounters     `json:"quotaCounters"`
	Tags          map[string]string `json:"tags"`
	Notes         []Note            `json:"notes"`
	Aliases       []AliasCredential `json:"aliases"`
}

func (s *PostgresStore) Create(ctx context.Context, name string, quota QuotaConfig) (string, *Record, error) {
	raw, rec, err := s.local.Create(ctx, name, quota)
	if err != nil {
		return "", nil, err
	}
	if err := s.persist(ctx, rec); err != nil {
		return "", nil, err
	}
	return raw, rec, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, rawKey string) (*Record, error) {
	v, err, _ := s.lookupGroup.Do(rawKey, func() (interface{}, error) {
		return s.lookup(ctx, rawKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (s *PostgresStore) lookup(ctx context.Context, rawKey string) (*Record, error) {
	id, secret, ok := parseAPIKey(rawKey)
	if !ok {
		return nil, apperrors.ErrUnauthorized
	}
	rec, err := s.loadByIDOrAlias(ctx, id)
	if err != nil {
		return nil, err
	}
	hash := rec.SecretHash
	if rec.ID != id {
		for _, a := range rec.Aliases {
			if a.ID == id {
				hash = a.SecretHash
			}
		}
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return nil, apperrors.ErrUnauthorized
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.loadByIDOrAlias(ctx, id)
}

func (s *PostgresStore) loadByIDOrAlias(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, secret_hash, name, credits, total_spent, total_calls,
		       active, suspended, expires_at, namespace, "group",
		       spending_limit, sandbox_policy, doc, created_at, updated_at
		FROM gateway_keys
		WHERE id = $1 OR EXISTS (
			SELECT 1 FROM jsonb_array_elements(doc->'aliases') alias
			WHERE alias->>'id' = $1
		)
	`, id)
	r, ok := row.(pgx.Row)
	if !ok {
		return nil, apperrors.ErrServiceUnavailable
	}
	rec, err := scanRecord(r)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan key record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	rowsI, err := s.db.Query(ctx, `
		SELECT id, secret_hash, name, credits, total_spent, total_calls,
		       active, suspended, expires_at, namespace, "group",
		       spending_limit, sandbox_policy, doc, created_at, updated_at
		FROM gateway_keys ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	rows, ok := rowsI.(pgx.Rows)
	if !ok {
		return nil, apperrors.ErrServiceUnavailable
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*Record) error) error {
	unlock := s.local.locks.lock(id)
	defer unlock()

	rec, err := s.loadByIDOrAlias(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	return s.persist(ctx, rec)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.db.Exec(ctx, `DELETE FROM gateway_keys WHERE id = $1`, id)
}

func (s *PostgresStore) GrantCredits(ctx context.Context, id string, credits int64) error {
	return s.Update(ctx, id, func(rec *Record) error {
		rec.Credits += credits
		return nil
	})
}

func (s *PostgresStore) SnapshotToJSON(ctx context.Context) ([]byte, error) {
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

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *PostgresStore) persist(ctx context.Context, rec *Record) error {
	row := recordRow{
		ACL:           rec.ACL,
		Scopes:        rec.Scopes,
		Quota:         rec.Quota,
		QuotaCounters: rec.QuotaCounters,
		Tags:          rec.Tags,
		Notes:         rec.Notes,
		Aliases:       rec.Aliases,
	}
	docBytes, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal key doc: %w", err)
	}
	return s.db.Exec(ctx, `
		INSERT INTO gateway_keys (
			id, secret_hash, name, credits, total_spent, total_calls,
			active, suspended, expires_at, namespace, "group",
			spending_limit, sandbox_policy, doc, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		ON CONFLICT (id) DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			name = EXCLUDED.name,
			credits = EXCLUDED.credits,
			total_spent = EXCLUDED.total_spent,
			total_calls = EXCLUDED.total_calls,
			active = EXCLUDED.active,
			suspended = EXCLUDED.suspended,
			expires_at = EXCLUDED.expires_at,
			namespace = EXCLUDED.namespace,
			"group" = EXCLUDED."group",
			spending_limit = EXCLUDED.spending_limit,
			sandbox_policy = EXCLUDED.sandbox_policy,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`,
		rec.ID, []byte(rec.SecretHash), rec.Name, rec.Credits, rec.TotalSpent, rec.TotalCalls,
		rec.Active, rec.Suspended, rec.ExpiresAt, rec.Namespace, rec.Group,
		rec.SpendingLimit, rec.SandboxPolicy, docBytes, rec.CreatedAt, rec.UpdatedAt,
	)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(r scannable) (*Record, error) {
	var (
		rec       Record
		docBytes  []byte
		secretRaw []byte
	)
	if err := r.Scan(
		&rec.ID, &secretRaw, &rec.Name, &rec.Credits, &rec.TotalSpent, &rec.TotalCalls,
		&rec.Active, &rec.Suspended, &rec.ExpiresAt, &rec.Namespace, &rec.Group,
		&rec.SpendingLimit, &rec.SandboxPolicy, &docBytes, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.SecretHash = secretRaw

	var row recordRow
	if len(docBytes) > 0 {
		if err := json.Unmarshal(docBytes, &row); err != nil {
			return nil, fmt.Errorf("unmarshal key doc: %w", err)
		}
	}
	rec.ACL = row.ACL
	rec.Scopes = row.Scopes
	rec.Quota = row.Quota
	rec.QuotaCounters = row.QuotaCounters
	rec.Tags = row.Tags
	rec.Notes = row.Notes
	rec.Aliases = row.Aliases
	return &rec, nil
}
