package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "stores.db"

//go:embed schema.sql
var sqliteSchema string

// sqliteRegistry 把全部 store 放进同一个数据库：stores 表登记名称，entries 表存放快照。
type sqliteRegistry struct {
	db *sql.DB
}

type sqliteStore struct {
	name string
	db   *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// NewSQLiteRegistry 打开（或创建）basePath/stores.db 并应用内嵌 schema。
func NewSQLiteRegistry(basePath string) (Registry, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dbPath := filepath.Join(filepath.Clean(basePath), SQLiteFileName)
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免并发请求触发 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteRegistry{db: db}, nil
}

func (r *sqliteRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	if err := ensureStoreRow(ctx, r.db, name); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &sqliteStore{name: name, db: r.db}, nil
}

func (r *sqliteRegistry) Has(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *sqliteRegistry) Names(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *sqliteRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *sqliteRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Get(ctx context.Context, key Key) (*Entry, error) {
	var (
		status     int
		rawHeader  string
		body       []byte
		capturedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, captured_at FROM entries WHERE store = ? AND key = ?`,
		s.name, string(key),
	).Scan(&status, &rawHeader, &body, &capturedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	header := http.Header{}
	if rawHeader != "" {
		if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
			return nil, fmt.Errorf("decode header of %s: %w", key, err)
		}
	}
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = []byte{}
	}
	return &Entry{
		Key:        key,
		Status:     status,
		Header:     header,
		Body:       body,
		CapturedAt: fromMillis(capturedAt),
	}, nil
}

// Put 在同一事务内登记 store 并 UPSERT 条目，保证整条替换。
func (s *sqliteStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	captured := entry.CapturedAt
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)`,
		s.name, toMillis(time.Now()),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (store, key, status, header, body, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (store, key) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   captured_at = excluded.captured_at`,
		s.name, string(entry.Key), entry.Status, string(header), body, toMillis(captured),
	); err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE store = ? AND key = ?`, s.name, string(key))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries WHERE store = ? ORDER BY key`, s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, Key(key))
	}
	return keys, rows.Err()
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE store = ?`, s.name).Scan(&count)
	return count, err
}

func ensureStoreRow(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)`,
		name, toMillis(time.Now()),
	)
	return err
}
