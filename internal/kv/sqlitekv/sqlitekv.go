// Package sqlitekv is a durable, single-writer-friendly KV backend: WAL
// mode, a busy timeout, tables created on connect rather than via an
// external migration tool, and modernc.org/sqlite as the pure-Go driver
// so the binary stays cgo-free.
package sqlitekv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomwolfe/intentsaga/internal/kv"
)

// Store is the kv.KV implementation backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open connects to (and if needed creates) the SQLite database at path,
// enabling WAL mode and a busy timeout, then creates the
// kv_items/kv_zset/kv_set tables.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitekv: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_items (
			key TEXT PRIMARY KEY,
			val BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			expires_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS kv_zset (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_zset_key_score ON kv_zset(key, score)`,
		`CREATE TABLE IF NOT EXISTS kv_set (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitekv: create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT val, expires_at FROM kv_items WHERE key = ?`, key,
	).Scan(&val, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE key = ?`, key)
		return nil, kv.ErrNotFound
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetExpiring(ctx, key, value, 0)
}

func (s *Store) SetExpiring(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_items (key, val, version, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET val = excluded.val, version = kv_items.version + 1, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE key = ?`, key)
	if err == nil {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = ?`, key)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_set WHERE key = ?`, key)
	}
	return err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE kv_items SET expires_at = ? WHERE key = ?`, expiresAt, key)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kv.ErrNotFound
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, key string, delta int64, ttlOnCreate time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	var existed bool
	var val []byte
	err = tx.QueryRowContext(ctx, `SELECT val FROM kv_items WHERE key = ?`, key).Scan(&val)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existed = false
	case err != nil:
		return 0, err
	default:
		existed = true
		fmt.Sscanf(string(val), "%d", &cur)
	}
	next := cur + delta
	nextVal := []byte(fmt.Sprintf("%d", next))

	var expiresAt any
	if !existed && ttlOnCreate > 0 {
		expiresAt = time.Now().Add(ttlOnCreate)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv_items (key, val, version, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET val = excluded.val, version = kv_items.version + 1
	`, key, nextVal, expiresAt)
	if err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (s *Store) ZAdd(ctx context.Context, key string, member string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_zset (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	return err
}

func (s *Store) zsetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_zset WHERE key = ? ORDER BY score ASC, member ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.zsetMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	a, b := clampRange(len(members), start, stop)
	return append([]string(nil), members[a:b]...), nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM kv_zset WHERE key = ? AND score >= ? AND score <= ? ORDER BY score ASC, member ASC`,
		key, min, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ZRank(ctx context.Context, key string, member string) (int64, error) {
	members, err := s.zsetMembers(ctx, key)
	if err != nil {
		return 0, err
	}
	for i, m := range members {
		if m == member {
			return int64(i), nil
		}
	}
	return 0, kv.ErrNotFound
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_zset WHERE key = ?`, key).Scan(&n)
	return n, err
}

func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	members, err := s.zsetMembers(ctx, key)
	if err != nil {
		return err
	}
	a, b := clampRange(len(members), start, stop)
	if a >= b {
		return nil
	}
	toRemove := members[a:b]
	placeholders := make([]string, len(toRemove))
	args := make([]any, 0, len(toRemove)+1)
	args = append(args, key)
	for i, m := range toRemove {
		placeholders[i] = "?"
		args = append(args, m)
	}
	q := fmt.Sprintf(`DELETE FROM kv_zset WHERE key = ? AND member IN (%s)`, strings.Join(placeholders, ","))
	_, err = s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv_set (key, member) VALUES (?, ?)`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_set WHERE key = ? AND member = ?`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_set WHERE key = ? ORDER BY member ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Scan(ctx context.Context, cursor uint64, pattern string, count int64) (kv.ScanResult, error) {
	like := sqlLikeFromGlob(pattern)
	if count <= 0 {
		count = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_items WHERE key LIKE ? ESCAPE '\' AND rowid > ? ORDER BY rowid ASC LIMIT ?`,
		like, cursor, count)
	if err != nil {
		return kv.ScanResult{}, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return kv.ScanResult{}, err
		}
		keys = append(keys, key)
	}
	next := uint64(0)
	if int64(len(keys)) == count {
		next = cursor + uint64(count)
	}
	return kv.ScanResult{Keys: keys, NextCursor: next}, rows.Err()
}

func sqlLikeFromGlob(pattern string) string {
	if pattern == "" {
		return "%"
	}
	escaped := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_").Replace(pattern)
	escaped = strings.ReplaceAll(escaped, "*", "%")
	escaped = strings.ReplaceAll(escaped, "?", "_")
	return escaped
}

func clampRange(n int, start, stop int64) (int, int) {
	if start < 0 {
		start += int64(n)
	}
	if stop < 0 {
		stop += int64(n)
	}
	if start < 0 {
		start = 0
	}
	if stop >= int64(n) {
		stop = int64(n) - 1
	}
	if start > stop || n == 0 {
		return 0, 0
	}
	return int(start), int(stop) + 1
}

func (s *Store) CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte, newVersion int64) (kv.CASResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kv.CASResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var curVal []byte
	var curVer int64
	err = tx.QueryRowContext(ctx, `SELECT val, version FROM kv_items WHERE key = ?`, key).Scan(&curVal, &curVer)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		curVer = 0
	case err != nil:
		return kv.CASResult{}, err
	}

	if curVer != expectedVersion {
		return kv.CASResult{Success: false, CurrentVersion: curVer, CurrentValue: curVal}, tx.Commit()
	}

	if curVer == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO kv_items (key, val, version) VALUES (?, ?, ?)`, key, newValue, newVersion)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE kv_items SET val = ?, version = ? WHERE key = ? AND version = ?`,
			newValue, newVersion, key, expectedVersion)
	}
	if err != nil {
		return kv.CASResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return kv.CASResult{}, err
	}
	return kv.CASResult{Success: true, CurrentVersion: newVersion, CurrentValue: newValue}, nil
}

func (s *Store) DeltaMerge(ctx context.Context, key string, patch map[string]any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var val []byte
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT val, version FROM kv_items WHERE key = ?`, key).Scan(&val, &version)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return 0, err
	}

	obj := make(map[string]any)
	if exists {
		_ = json.Unmarshal(val, &obj)
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		obj[k] = patch[k]
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return 0, err
	}
	version++

	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE kv_items SET val = ?, version = ? WHERE key = ?`, merged, version, key)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO kv_items (key, val, version) VALUES (?, ?, ?)`, key, merged, version)
	}
	if err != nil {
		return 0, err
	}
	return version, tx.Commit()
}
