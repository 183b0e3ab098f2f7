package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/neeroai/messagebackbone/internal/config"
)

var (
	durableOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_store_operations_total",
			Help: "Total durable (Postgres) store operations",
		},
		[]string{"operation", "status"},
	)
	durableOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_store_operation_duration_seconds",
			Help:    "Duration of durable store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

const (
	upsertKVSQL = `
		INSERT INTO durable_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`

	getKVSQL = `SELECT value FROM durable_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`

	deleteKVSQL = `DELETE FROM durable_kv WHERE key = $1`

	scanPrefixSQL = `SELECT key FROM durable_kv WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())`

	purgeExpiredSQL = `DELETE FROM durable_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`

	zaddSQL = `
		INSERT INTO durable_sorted (zkey, score, member)
		VALUES ($1, $2, $3)
		ON CONFLICT (zkey, member) DO UPDATE SET score = EXCLUDED.score`

	zrangeByScoreSQL = `SELECT member FROM durable_sorted WHERE zkey = $1 AND score <= $2 ORDER BY score ASC`

	zremSQL = `DELETE FROM durable_sorted WHERE zkey = $1 AND member = $2`
)

// DurableStore is the Postgres-backed tier for namespaces that must survive a
// restart: l3:*, snapshot:*, alert:*, and metric:*:series. Grounded on the teacher's
// internal/repository/message_repository.go (prepared statements, promauto
// instrumentation, migrate-managed schema) generalized from a messages-only
// table to a generic envelope table, matching spec.md §6's namespace table.
type DurableStore struct {
	db         *sql.DB
	statements map[string]*sql.Stmt
}

// NewDurableStore opens prepared statements against db, which must already
// have had migrations applied (see internal/store/migrations).
func NewDurableStore(db *sql.DB, cfg *config.Config) (*DurableStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmts := make(map[string]*sql.Stmt)
	for name, sqlText := range map[string]string{
		"upsert":      upsertKVSQL,
		"get":         getKVSQL,
		"delete":      deleteKVSQL,
		"scanPrefix":  scanPrefixSQL,
		"purgeExpired": purgeExpiredSQL,
		"zadd":        zaddSQL,
		"zrangeByScore": zrangeByScoreSQL,
		"zrem":        zremSQL,
	} {
		stmt, err := db.PrepareContext(ctx, sqlText)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to prepare %s statement", name)
		}
		stmts[name] = stmt
	}

	return &DurableStore{db: db, statements: stmts}, nil
}

func (d *DurableStore) observe(op string, start time.Time, err error) {
	durableOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && err != sql.ErrNoRows {
		status = "error"
	}
	durableOps.WithLabelValues(op, status).Inc()
}

func (d *DurableStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var value []byte
	err := d.statements["get"].QueryRowContext(ctx, key).Scan(&value)
	defer d.observe("get", start, err)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "durable get")
	}
	return value, nil
}

func (d *DurableStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	_, err := d.statements["upsert"].ExecContext(ctx, key, value, expiresAt)
	d.observe("set", start, err)
	if err != nil {
		return errors.Wrap(err, "durable set")
	}
	return nil
}

func (d *DurableStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := d.statements["delete"].ExecContext(ctx, key)
	d.observe("delete", start, err)
	if err != nil {
		return errors.Wrap(err, "durable delete")
	}
	return nil
}

func (d *DurableStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	rows, err := d.statements["scanPrefix"].QueryContext(ctx, escapeLike(prefix)+"%")
	defer d.observe("scanPrefix", start, err)
	if err != nil {
		return nil, errors.Wrap(err, "durable scan prefix")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PurgeExpired deletes rows whose expires_at has passed, the Postgres
// analogue of Redis's native TTL eviction (Postgres has no per-row TTL).
func (d *DurableStore) PurgeExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	res, err := d.statements["purgeExpired"].ExecContext(ctx)
	d.observe("purgeExpired", start, err)
	if err != nil {
		return 0, errors.Wrap(err, "durable purge expired")
	}
	return res.RowsAffected()
}

func (d *DurableStore) HSet(ctx context.Context, hash, field string, value []byte) error {
	return d.Set(ctx, hash+":"+field, value, 0)
}

func (d *DurableStore) HGet(ctx context.Context, hash, field string) ([]byte, error) {
	return d.Get(ctx, hash+":"+field)
}

func (d *DurableStore) HDel(ctx context.Context, hash, field string) error {
	return d.Delete(ctx, hash+":"+field)
}

func (d *DurableStore) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	start := time.Now()
	_, err := d.statements["zadd"].ExecContext(ctx, key, score, member)
	d.observe("zadd", start, err)
	if err != nil {
		return errors.Wrap(err, "durable zadd")
	}
	return nil
}

func (d *DurableStore) ZRangeByScore(ctx context.Context, key string, maxScore float64) ([][]byte, error) {
	start := time.Now()
	rows, err := d.statements["zrangeByScore"].QueryContext(ctx, key, maxScore)
	defer d.observe("zrangeByScore", start, err)
	if err != nil {
		return nil, errors.Wrap(err, "durable zrangebyscore")
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var member []byte
		if err := rows.Scan(&member); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

func (d *DurableStore) ZRem(ctx context.Context, key string, member []byte) error {
	start := time.Now()
	_, err := d.statements["zrem"].ExecContext(ctx, key, member)
	d.observe("zrem", start, err)
	if err != nil {
		return errors.Wrap(err, "durable zrem")
	}
	return nil
}

// BatchSet persists many envelopes in a single transaction, the way the
// teacher's CreateBatch used pq.Array + UNNEST for bulk message inserts.
func (d *DurableStore) BatchSet(ctx context.Context, keys []string, values [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO durable_kv (key, value, updated_at)
		SELECT * FROM UNNEST ($1::text[], $2::bytea[], $3::timestamptz[])
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		pq.Array(keys), pq.Array(values), pq.Array(nowSlice(len(keys))))
	if err != nil {
		return errors.Wrap(err, "batch upsert")
	}
	return tx.Commit()
}

func nowSlice(n int) []time.Time {
	now := time.Now()
	out := make([]time.Time, n)
	for i := range out {
		out[i] = now
	}
	return out
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
