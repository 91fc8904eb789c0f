package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func setupMockGateway(t *testing.T) (*PostgresGateway, sqlmock.Sqlmock, *[]string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	opened := []string{}
	gw := NewPostgresGateway(PostgresConfig{DefaultConnectionString: "postgres://default"})
	gw.open = func(dsn string) (*sql.DB, error) {
		opened = append(opened, dsn)
		return db, nil
	}
	return gw, mock, &opened
}

func TestPostgresGateway_Execute(t *testing.T) {
	gw, mock, _ := setupMockGateway(t)

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, name, created_at FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).
			AddRow(int64(1), []byte("ada"), created).
			AddRow(int64(2), nil, created))

	result, err := gw.Execute(context.Background(), Request{SQL: "SELECT id, name, created_at FROM users"}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %+v", result.Rows)
	}
	if result.Rows[0]["name"] != "ada" {
		t.Errorf("bytes should become strings, got %T", result.Rows[0]["name"])
	}
	if result.Rows[1]["name"] != nil {
		t.Errorf("NULL should stay nil, got %v", result.Rows[1]["name"])
	}
	if result.Rows[0]["created_at"] != "2024-05-01T12:00:00Z" {
		t.Errorf("created_at = %v", result.Rows[0]["created_at"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGateway_PoolPerConnectionString(t *testing.T) {
	gw, mock, opened := setupMockGateway(t)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	ctx := context.Background()
	for _, dsn := range []string{"postgres://a", "postgres://a", ""} {
		if _, err := gw.Execute(ctx, Request{ConnectionString: dsn, SQL: "SELECT 1"}, nil); err != nil {
			t.Fatalf("Execute(%q) error = %v", dsn, err)
		}
	}
	if len(*opened) != 2 || (*opened)[0] != "postgres://a" || (*opened)[1] != "postgres://default" {
		t.Errorf("opened = %v", *opened)
	}
}

func TestPostgresGateway_EvictsLeastRecentlyUsedPool(t *testing.T) {
	queries := map[string]int{"postgres://a": 2, "postgres://b": 1, "postgres://c": 1}
	mocks := map[string]sqlmock.Sqlmock{}
	opened := []string{}
	gw := NewPostgresGateway(PostgresConfig{MaxPools: 2})
	gw.closed = make(chan string, 4)
	gw.open = func(dsn string) (*sql.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		for i := 0; i < queries[dsn]; i++ {
			mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
		}
		mock.ExpectClose()
		mocks[dsn] = mock
		opened = append(opened, dsn)
		return db, nil
	}
	t.Cleanup(func() { _ = gw.Close() })

	ctx := context.Background()
	for _, dsn := range []string{"postgres://a", "postgres://b", "postgres://a", "postgres://c"} {
		if _, err := gw.Execute(ctx, Request{ConnectionString: dsn, SQL: "SELECT 1"}, nil); err != nil {
			t.Fatalf("Execute(%q) error = %v", dsn, err)
		}
	}

	select {
	case dsn := <-gw.closed:
		if dsn != "postgres://b" {
			t.Fatalf("evicted %q, want postgres://b", dsn)
		}
	case <-time.After(time.Second):
		t.Fatal("no pool was closed")
	}
	if err := mocks["postgres://b"].ExpectationsWereMet(); err != nil {
		t.Errorf("evicted pool: %v", err)
	}
	if gw.Pools() != 2 {
		t.Errorf("Pools() = %d, want 2", gw.Pools())
	}
	if len(opened) != 3 {
		t.Errorf("opened = %v", opened)
	}

	if err := gw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if gw.Pools() != 0 {
		t.Errorf("Pools() after Close = %d", gw.Pools())
	}
	for _, dsn := range []string{"postgres://a", "postgres://c"} {
		if err := mocks[dsn].ExpectationsWereMet(); err != nil {
			t.Errorf("%s: %v", dsn, err)
		}
	}
}

func TestPostgresGateway_DatabaseError(t *testing.T) {
	gw, mock, _ := setupMockGateway(t)
	mock.ExpectQuery("SELECT \\* FROM missing").WillReturnError(&pq.Error{
		Code:    "42P01",
		Message: `relation "missing" does not exist`,
		Hint:    "check the schema",
	})

	_, err := gw.Execute(context.Background(), Request{SQL: "SELECT * FROM missing"}, nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *GatewayError, got %T", err)
	}
	if gwErr.Code != "42P01" {
		t.Errorf("Code = %q", gwErr.Code)
	}
	if gwErr.Message != `relation "missing" does not exist (hint: check the schema)` {
		t.Errorf("Message = %q", gwErr.Message)
	}
}

func TestPostgresGateway_NoConnection(t *testing.T) {
	gw := NewPostgresGateway(PostgresConfig{})
	_, err := gw.Execute(context.Background(), Request{SQL: "SELECT 1"}, nil)
	if !errors.Is(err, ErrNoConnection) {
		t.Errorf("err = %v", err)
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://app:s3cret@db:5432/main", "postgres://app:***@db:5432/main"},
		{"postgres://db:5432/main", "postgres://db:5432/main"},
		{"host=db user=app password=s3cret dbname=main", "host=db user=app password=*** dbname=main"},
	}
	for _, tt := range tests {
		if got := RedactDSN(tt.dsn); got != tt.want {
			t.Errorf("RedactDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
