package keystore

import (
	"context"
	"testing"

	apperrors "github.com/rajasatyajit/toolgate/internal/errors"
)

// fakeDatabase satisfies the Database interface without a real
// connection, so PostgresStore's non-SQL-shaped error paths (malformed
// key, unconfigured pool) are testable without pgx.
type fakeDatabase struct {
	execErr     error
	queryRowRet interface{}
	configured  bool
}

func (f *fakeDatabase) Exec(ctx context.Context, sql string, args ...any) error {
	return f.execErr
}

func (f *fakeDatabase) Query(ctx context.Context, sql string, args ...any) (interface{}, error) {
	return nil, nil
}

func (f *fakeDatabase) QueryRow(ctx context.Context, sql string, args ...any) interface{} {
	return f.queryRowRet
}

func (f *fakeDatabase) Health(ctx context.Context) error { return nil }

func (f *fakeDatabase) IsConfigured() bool { return f.configured }

func TestPostgresStore_Lookup_MalformedKeyRejectedBeforeQuery(t *testing.T) {
	db := &fakeDatabase{}
	s := NewPostgresStore(db)

	_, err := s.Lookup(context.Background(), "not-a-valid-key")
	if err != apperrors.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized for malformed key, got %v", err)
	}
}

func TestPostgresStore_Lookup_UnconfiguredRowType(t *testing.T) {
	// QueryRow on an unconfigured Database returns nil, which does not
	// satisfy pgx.Row; loadByIDOrAlias must surface that as a clean
	// service-unavailable error rather than panicking on a bad cast.
	db := &fakeDatabase{queryRowRet: nil}
	s := NewPostgresStore(db)

	id, rawKey, hash, err := generateAPIKey()
	if err != nil {
		t.Fatalf("unexpected keygen error: %v", err)
	}
	_ = hash
	_ = rawKey
	_ = id

	_, err = s.Lookup(context.Background(), "tg_abcdefghabcdefgh_"+randomToken(32))
	if err != apperrors.ErrServiceUnavailable {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestPostgresStore_Delete_PropagatesExecError(t *testing.T) {
	wantErr := apperrors.ErrServiceUnavailable
	db := &fakeDatabase{execErr: wantErr}
	s := NewPostgresStore(db)

	if err := s.Delete(context.Background(), "some-id"); err != wantErr {
		t.Fatalf("expected exec error to propagate, got %v", err)
	}
}

func TestPostgresStore_Health_DelegatesToDatabase(t *testing.T) {
	db := &fakeDatabase{}
	s := NewPostgresStore(db)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("unexpected health error: %v", err)
	}
}
