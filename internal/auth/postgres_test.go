package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPGClientStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGClientStore(db)
	mock.ExpectExec("insert into clients").
		WithArgs("rs-1", "photos", "hash", "resource_server", []byte(`["https://a/cb"]`), false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	c := &Client{ID: "rs-1", Name: "photos", SecretHash: "hash", Kind: KindResourceServer, ClaimsRedirectURIs: []string{"https://a/cb"}}
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectExec("insert into clients").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	if err := store.Create(context.Background(), c); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGClientStoreFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPGClientStore(db)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "name", "secret_hash", "kind", "claims_redirect_uris", "disabled", "created_at"}).
		AddRow("app", "App", "hash", "client", []byte(`["https://app/cb"]`), false, now)
	mock.ExpectQuery("select id, name, secret_hash, kind, claims_redirect_uris, disabled, created_at from clients where id").
		WithArgs("app").WillReturnRows(rows)

	c, err := store.Find(context.Background(), "app")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if c.Kind != KindClient || len(c.ClaimsRedirectURIs) != 1 {
		t.Fatalf("unexpected client %+v", c)
	}

	mock.ExpectQuery("select .* from clients where id").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	if _, err := store.Find(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mock.ExpectExec("update clients set disabled").WithArgs("ghost", true).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.SetDisabled(context.Background(), "ghost", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGClientStoreFindCorruptRedirectURIs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name", "secret_hash", "kind", "claims_redirect_uris", "disabled", "created_at"}).
		AddRow("app", "App", "hash", "client", []byte(`{"not":"a list"}`), false, time.Now())
	mock.ExpectQuery("select .* from clients where id").WithArgs("app").WillReturnRows(rows)

	if _, err := NewPGClientStore(db).Find(context.Background(), "app"); err == nil {
		t.Fatalf("expected decode error for corrupt claims_redirect_uris")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
