package kv

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MySQLStore keeps entries in the auth_kv table:
//
//	CREATE TABLE auth_kv (
//	  k          VARCHAR(191) NOT NULL PRIMARY KEY,
//	  v          MEDIUMBLOB   NOT NULL,
//	  expires_at DATETIME(6)  NULL,
//	  KEY idx_auth_kv_expires (expires_at)
//	);
//
// Conditional writes are single UPDATE/DELETE statements guarded by the
// expected value, so InnoDB row locks provide the atomicity. The DSN must
// set clientFoundRows so an UPDATE that rewrites an equal value still
// reports one row.
type MySQLStore struct {
	DB  *sql.DB
	now func() time.Time
}

func NewMySQLStore(db *sql.DB) *MySQLStore { return &MySQLStore{DB: db, now: time.Now} }

func (s *MySQLStore) expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: s.now().UTC().Add(ttl), Valid: true}
}

func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.DB.QueryRowContext(ctx,
		"SELECT v FROM auth_kv WHERE k=? AND (expires_at IS NULL OR expires_at > ?) LIMIT 1",
		key, s.now().UTC()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *MySQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO auth_kv (k, v, expires_at) VALUES (?,?,?) ON DUPLICATE KEY UPDATE v=VALUES(v), expires_at=VALUES(expires_at)",
		key, value, s.expiry(ttl))
	return err
}

func (s *MySQLStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	if old == nil {
		// An expired row still occupies the primary key; clear it first.
		if _, err := s.DB.ExecContext(ctx,
			"DELETE FROM auth_kv WHERE k=? AND expires_at IS NOT NULL AND expires_at <= ?",
			key, now); err != nil {
			return false, err
		}
		res, err := s.DB.ExecContext(ctx,
			"INSERT IGNORE INTO auth_kv (k, v, expires_at) VALUES (?,?,?)",
			key, next, s.expiry(ttl))
		if err != nil {
			return false, err
		}
		return affectedOne(res)
	}
	res, err := s.DB.ExecContext(ctx,
		"UPDATE auth_kv SET v=?, expires_at=? WHERE k=? AND v=? AND (expires_at IS NULL OR expires_at > ?)",
		next, s.expiry(ttl), key, old, now)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *MySQLStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM auth_kv WHERE k=? AND v=?", key, old)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *MySQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM auth_kv WHERE k=?", key)
	return err
}

// Sweep removes expired rows.
func (s *MySQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM auth_kv WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
