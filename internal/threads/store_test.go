package threads

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
	}

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Set(ctx, &Thread{UserID: "u1", ThreadID: "thread_a", CreatedAt: created}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ThreadID != "thread_a" || got.UserID != "u1" {
		t.Fatalf("Get = %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	if err := store.Set(ctx, &Thread{UserID: "u1", ThreadID: "thread_b", CreatedAt: created}); err != nil {
		t.Fatalf("Set replace: %v", err)
	}
	got, err = store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get after replace: %v", err)
	}
	if got.ThreadID != "thread_b" {
		t.Fatalf("ThreadID after replace = %q, want thread_b", got.ThreadID)
	}

	if err := store.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}

	if err := store.Set(ctx, &Thread{UserID: "u2"}); err == nil {
		t.Fatal("Set without thread id should fail")
	}
	if err := store.Set(ctx, nil); err == nil {
		t.Fatal("Set nil should fail")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0", store.Len())
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseStore(t, NewRedisStoreFromClient(client, "", 0))
}

func TestRedisStore_TTLAndPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "test:",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	if err := store.Set(context.Background(), &Thread{UserID: "u1", ThreadID: "thread_a"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("test:u1") {
		t.Fatalf("expected key test:u1, keys = %v", mr.Keys())
	}
	if ttl := mr.TTL("test:u1"); ttl != time.Minute {
		t.Fatalf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(context.Background(), "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry: got %v, want ErrNotFound", err)
	}
}

func TestNewRedisStore_Validation(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestSQLStore_SQLite(t *testing.T) {
	store, err := OpenSQLStore(context.Background(), SQLConfig{
		Dialect:      DialectSQLite,
		DSN:          filepath.Join(t.TempDir(), "threads.db"),
		AutoMigrate:  true,
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestOpenSQLStore_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SQLConfig
	}{
		{name: "unknown dialect", cfg: SQLConfig{Dialect: "mysql", DSN: "x"}},
		{name: "missing dsn", cfg: SQLConfig{Dialect: DialectSQLite}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := OpenSQLStore(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func setupMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, DialectPostgres), mock
}

func TestSQLStore_PostgresGet(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantID    string
		wantErr   error
		anyErr    bool
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id, thread_id, created_at FROM user_threads WHERE user_id = $1")).
					WithArgs("u1").
					WillReturnRows(sqlmock.NewRows([]string{"user_id", "thread_id", "created_at"}).
						AddRow("u1", "thread_a", int64(1714564800000)))
			},
			wantID: "thread_a",
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT user_id").
					WithArgs("u1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT user_id").
					WithArgs("u1").
					WillReturnError(errors.New("connection reset"))
			},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t)
			tt.setupMock(mock)

			got, err := store.Get(context.Background(), "u1")
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil || errors.Is(err, ErrNotFound) {
					t.Fatalf("err = %v, want database error", err)
				}
			default:
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if got.ThreadID != tt.wantID {
					t.Fatalf("ThreadID = %q, want %q", got.ThreadID, tt.wantID)
				}
				if got.CreatedAt.UnixMilli() != 1714564800000 {
					t.Fatalf("CreatedAt = %v", got.CreatedAt)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_PostgresSetUpserts(t *testing.T) {
	store, mock := setupMockStore(t)
	created := time.UnixMilli(1714564800000)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_threads (user_id, thread_id, created_at) VALUES ($1, $2, $3)")).
		WithArgs("u1", "thread_a", int64(1714564800000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_threads WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Set(context.Background(), &Thread{UserID: "u1", ThreadID: "thread_a", CreatedAt: created}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Delete(context.Background(), "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDialectPlaceholder(t *testing.T) {
	if got := DialectPostgres.placeholder(2); got != "$2" {
		t.Fatalf("postgres placeholder = %q", got)
	}
	if got := DialectSQLite.placeholder(2); got != "?" {
		t.Fatalf("sqlite placeholder = %q", got)
	}
}
