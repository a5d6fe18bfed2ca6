package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/procureflow/po-recon/internal/db"
	"github.com/procureflow/po-recon/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS purchase_orders (
	id         TEXT PRIMARY KEY,
	number     TEXT NOT NULL UNIQUE,
	vendor_id  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS receipts (
	id        TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	doc       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	id        TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	doc       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_tasks (
	id                 TEXT PRIMARY KEY,
	task_key           TEXT NOT NULL DEFAULT '',
	operation          TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	payload            JSONB NOT NULL,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL DEFAULT 3,
	backoff_multiplier DOUBLE PRECISION NOT NULL DEFAULT 2.0,
	next_retry_at      TIMESTAMPTZ NOT NULL,
	lease_token        TEXT NOT NULL DEFAULT '',
	lease_expires_at   TIMESTAMPTZ,
	requires_rollback  BOOLEAN NOT NULL DEFAULT FALSE,
	backup_ref         TEXT NOT NULL DEFAULT '',
	last_error         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_links (
	id                TEXT PRIMARY KEY,
	external_key      TEXT NOT NULL,
	external_key_type TEXT NOT NULL,
	po_id             TEXT NOT NULL,
	vendor_id         TEXT NOT NULL,
	document_id       TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION NOT NULL,
	method            TEXT NOT NULL,
	superseded        BOOLEAN NOT NULL DEFAULT FALSE,
	superseded_by_id  TEXT NOT NULL DEFAULT '',
	sightings         INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS unresolved_events (
	id                TEXT PRIMARY KEY,
	external_key      TEXT NOT NULL,
	external_key_type TEXT NOT NULL,
	vendor_hint       TEXT NOT NULL DEFAULT '',
	raw_payload_ref   TEXT NOT NULL DEFAULT '',
	resolved          BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS match_results (
	po_id       TEXT PRIMARY KEY,
	vendor_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	doc         JSONB NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vendor_profiles (
	vendor_id            TEXT PRIMARY KEY,
	doc                  JSONB NOT NULL,
	last_recalculated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS domain_events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	vendor_id   TEXT NOT NULL DEFAULT '',
	po_id       TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_po_vendor_status ON purchase_orders(vendor_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON retry_tasks(status, next_retry_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_live_key ON retry_tasks(task_key)
	WHERE task_key != '' AND status IN ('pending', 'leased');
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_key ON correlation_links(external_key_type, external_key)
	WHERE superseded = FALSE;
CREATE INDEX IF NOT EXISTS idx_links_po ON correlation_links(po_id);
CREATE INDEX IF NOT EXISTS idx_links_vendor ON correlation_links(vendor_id);
CREATE INDEX IF NOT EXISTS idx_events_vendor_time ON domain_events(vendor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_unresolved_open ON unresolved_events(resolved, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Purchase orders

func (s *PostgresStore) UpsertPurchaseOrder(ctx context.Context, po *model.PurchaseOrder) error {
	now := time.Now().UTC()
	if po.CreatedAt.IsZero() {
		po.CreatedAt = now
	}
	po.UpdatedAt = now

	doc, err := json.Marshal(po)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal po")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO purchase_orders (id, number, vendor_id, status, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   number = EXCLUDED.number, vendor_id = EXCLUDED.vendor_id,
		   status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		po.ID, po.Number, po.VendorID, string(po.Status), doc, po.CreatedAt, po.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert po %s", po.ID)
}

func (s *PostgresStore) GetPurchaseOrder(ctx context.Context, id string) (*model.PurchaseOrder, error) {
	return s.queryPO(ctx, `SELECT doc FROM purchase_orders WHERE id = $1`, id)
}

func (s *PostgresStore) GetPurchaseOrderByNumber(ctx context.Context, number string) (*model.PurchaseOrder, error) {
	return s.queryPO(ctx, `SELECT doc FROM purchase_orders WHERE number = $1`, number)
}

func (s *PostgresStore) queryPO(ctx context.Context, query string, arg any) (*model.PurchaseOrder, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: purchase order")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get po")
	}
	var po model.PurchaseOrder
	if err := json.Unmarshal(doc, &po); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal po")
	}
	return &po, nil
}

func (s *PostgresStore) ListOpenPurchaseOrders(ctx context.Context, vendorID string) ([]model.PurchaseOrder, error) {
	query := `SELECT doc FROM purchase_orders WHERE status = 'open'`
	var args []any
	if vendorID != "" {
		query += ` AND vendor_id = $1`
		args = append(args, vendorID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list open pos")
	}
	defer rows.Close()

	var pos []model.PurchaseOrder
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan po row")
		}
		var po model.PurchaseOrder
		if err := json.Unmarshal(doc, &po); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal po row")
		}
		pos = append(pos, po)
	}
	return pos, eris.Wrap(rows.Err(), "postgres: list open pos iterate")
}

func (s *PostgresStore) ListVendorPurchaseOrders(ctx context.Context, vendorID string) ([]model.PurchaseOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM purchase_orders WHERE vendor_id = $1 ORDER BY created_at ASC`, vendorID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vendor pos")
	}
	defer rows.Close()

	var pos []model.PurchaseOrder
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan po row")
		}
		var po model.PurchaseOrder
		if err := json.Unmarshal(doc, &po); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal po row")
		}
		pos = append(pos, po)
	}
	return pos, eris.Wrap(rows.Err(), "postgres: list vendor pos iterate")
}

func (s *PostgresStore) ClosePurchaseOrder(ctx context.Context, id string) error {
	po, err := s.GetPurchaseOrder(ctx, id)
	if err != nil {
		return err
	}
	po.Status = model.POStatusClosed
	return s.UpsertPurchaseOrder(ctx, po)
}

// Receipts and invoices

func (s *PostgresStore) PutReceipt(ctx context.Context, r *model.ShipmentReceipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal receipt")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO receipts (id, vendor_id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET vendor_id = EXCLUDED.vendor_id, doc = EXCLUDED.doc`,
		r.ID, r.VendorID, doc,
	)
	return eris.Wrapf(err, "postgres: put receipt %s", r.ID)
}

func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*model.ShipmentReceipt, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM receipts WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: receipt")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get receipt")
	}
	var r model.ShipmentReceipt
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal receipt")
	}
	return &r, nil
}

func (s *PostgresStore) PutInvoice(ctx context.Context, inv *model.InvoiceDocument) error {
	doc, err := json.Marshal(inv)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal invoice")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO invoices (id, vendor_id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET vendor_id = EXCLUDED.vendor_id, doc = EXCLUDED.doc`,
		inv.ID, inv.VendorID, doc,
	)
	return eris.Wrapf(err, "postgres: put invoice %s", inv.ID)
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.InvoiceDocument, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM invoices WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: invoice")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get invoice")
	}
	var inv model.InvoiceDocument
	if err := json.Unmarshal(doc, &inv); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal invoice")
	}
	return &inv, nil
}

// Retry tasks

const pgTaskColumns = `id, task_key, operation, status, payload, retry_count, max_retries,
	backoff_multiplier, next_retry_at, lease_token, lease_expires_at,
	requires_rollback, backup_ref, last_error, created_at, updated_at`

func (s *PostgresStore) InsertTask(ctx context.Context, t *model.RetryTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO retry_tasks (`+pgTaskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.TaskKey, string(t.Operation), string(t.Status), payload,
		t.RetryCount, t.MaxRetries, t.BackoffMultiplier, t.NextRetryAt,
		t.LeaseToken, t.LeaseExpiresAt, t.RequiresRollback,
		t.BackupRef, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert task %s", t.ID)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.RetryTask, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx,
		`SELECT `+pgTaskColumns+` FROM retry_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: task %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return t, nil
}

func (s *PostgresStore) GetLiveTaskByKey(ctx context.Context, key string) (*model.RetryTask, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx,
		`SELECT `+pgTaskColumns+` FROM retry_tasks
		 WHERE task_key = $1 AND status IN ('pending', 'leased') LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: live task by key %s", key)
	}
	return t, nil
}

// LeaseNextTask atomically claims the oldest due pending task. SKIP LOCKED
// keeps concurrent workers from blocking on each other's claims.
func (s *PostgresStore) LeaseNextTask(ctx context.Context, now time.Time, token string, leaseUntil time.Time) (*model.RetryTask, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx,
		`UPDATE retry_tasks
		 SET status = 'leased', lease_token = $1, lease_expires_at = $2, updated_at = $3
		 WHERE id = (
		   SELECT id FROM retry_tasks
		   WHERE status = 'pending' AND next_retry_at <= $4
		   ORDER BY next_retry_at ASC, created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+pgTaskColumns,
		token, leaseUntil, now, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lease next task")
	}
	return t, nil
}

func (s *PostgresStore) MarkTaskSucceeded(ctx context.Context, id, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_tasks
		 SET status = 'succeeded', lease_token = '', lease_expires_at = NULL, updated_at = $1
		 WHERE id = $2 AND lease_token = $3 AND status = 'leased'`,
		time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark task succeeded %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrLeaseMismatch, "task %s", id)
	}
	return nil
}

func (s *PostgresStore) RescheduleTask(ctx context.Context, id, token string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_tasks
		 SET status = 'pending', lease_token = '', lease_expires_at = NULL,
		     retry_count = $1, next_retry_at = $2, last_error = $3, updated_at = $4
		 WHERE id = $5 AND lease_token = $6 AND status = 'leased'`,
		retryCount, nextRetryAt, lastErr, time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reschedule task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrLeaseMismatch, "task %s", id)
	}
	return nil
}

func (s *PostgresStore) DeadLetterTask(ctx context.Context, id, token, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_tasks
		 SET status = 'dead', lease_token = '', lease_expires_at = NULL,
		     last_error = $1, updated_at = $2
		 WHERE id = $3 AND lease_token = $4 AND status = 'leased'`,
		lastErr, time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: dead-letter task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrLeaseMismatch, "task %s", id)
	}
	return nil
}

func (s *PostgresStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_tasks
		 SET status = 'pending', lease_token = '', lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'leased' AND lease_expires_at < $2`,
		now, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap expired leases")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListDeadTasks(ctx context.Context, limit int) ([]model.RetryTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM retry_tasks
		 WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead tasks")
	}
	defer rows.Close()

	var tasks []model.RetryTask
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list dead tasks iterate")
}

func (s *PostgresStore) RequeueDeadTask(ctx context.Context, id string, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_tasks
		 SET status = 'pending', retry_count = 0, next_retry_at = $1, updated_at = $2
		 WHERE id = $3 AND status = 'dead'`,
		nextRetryAt, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue dead task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dead task %s", id)
	}
	return nil
}

func (s *PostgresStore) PurgeTerminalTasks(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM retry_tasks
		 WHERE status IN ('succeeded', 'dead') AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge terminal tasks")
	}
	return int(tag.RowsAffected()), nil
}

// Correlation links

const pgLinkColumns = `id, external_key, external_key_type, po_id, vendor_id, document_id,
	confidence, method, superseded, superseded_by_id, sightings, created_at`

func (s *PostgresStore) GetActiveLink(ctx context.Context, keyType model.ExternalKeyType, key string) (*model.CorrelationLink, error) {
	l, err := scanPgLink(s.pool.QueryRow(ctx,
		`SELECT `+pgLinkColumns+` FROM correlation_links
		 WHERE external_key_type = $1 AND external_key = $2 AND superseded = FALSE`,
		string(keyType), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: active link %s/%s", string(keyType), key)
	}
	return l, nil
}

func (s *PostgresStore) InsertLink(ctx context.Context, l *model.CorrelationLink) error {
	_, err := s.pool.Exec(ctx, insertLinkSQL, linkArgs(l)...)
	return eris.Wrapf(err, "postgres: insert link %s", l.ID)
}

const insertLinkSQL = `INSERT INTO correlation_links (` + pgLinkColumns + `)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func linkArgs(l *model.CorrelationLink) []any {
	return []any{
		l.ID, l.ExternalKey, string(l.ExternalKeyType), l.PurchaseOrderID,
		l.VendorID, l.DocumentID, l.Confidence, string(l.Method),
		l.Superseded, l.SupersededByID, l.Sightings, l.CreatedAt,
	}
}

// SupersedeLink retires the old active link and activates the new one in a
// single transaction. The old row is retained for audit.
func (s *PostgresStore) SupersedeLink(ctx context.Context, oldID string, newLink *model.CorrelationLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: supersede begin tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE correlation_links SET superseded = TRUE, superseded_by_id = $1
		 WHERE id = $2 AND superseded = FALSE`,
		newLink.ID, oldID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: supersede link %s", oldID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "link %s", oldID)
	}
	if _, err := tx.Exec(ctx, insertLinkSQL, linkArgs(newLink)...); err != nil {
		return eris.Wrapf(err, "postgres: insert superseding link %s", newLink.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: supersede commit")
}

func (s *PostgresStore) IncrementSighting(ctx context.Context, linkID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE correlation_links SET sightings = sightings + 1 WHERE id = $1`, linkID)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment sighting %s", linkID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "link %s", linkID)
	}
	return nil
}

func (s *PostgresStore) ListLinksByPO(ctx context.Context, poID string, includeSuperseded bool) ([]model.CorrelationLink, error) {
	query := `SELECT ` + pgLinkColumns + ` FROM correlation_links WHERE po_id = $1`
	if !includeSuperseded {
		query += ` AND superseded = FALSE`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, poID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links by po")
	}
	defer rows.Close()

	var links []model.CorrelationLink
	for rows.Next() {
		l, err := scanPgLink(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		links = append(links, *l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: list links iterate")
}

// Unresolved queue

func (s *PostgresStore) AddUnresolved(ctx context.Context, u *model.UnresolvedEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO unresolved_events
		 (id, external_key, external_key_type, vendor_hint, raw_payload_ref, resolved, resolved_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, '', $6)`,
		u.ID, u.ExternalKey, string(u.ExternalKeyType), u.VendorHint, u.RawPayloadRef, u.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: add unresolved %s", u.ID)
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]model.UnresolvedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, external_key, external_key_type, vendor_hint, raw_payload_ref, resolved, resolved_by, created_at
		 FROM unresolved_events WHERE resolved = FALSE ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unresolved")
	}
	defer rows.Close()

	var events []model.UnresolvedEvent
	for rows.Next() {
		var u model.UnresolvedEvent
		var keyType string
		if err := rows.Scan(&u.ID, &u.ExternalKey, &keyType, &u.VendorHint,
			&u.RawPayloadRef, &u.Resolved, &u.ResolvedBy, &u.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unresolved")
		}
		u.ExternalKeyType = model.ExternalKeyType(keyType)
		events = append(events, u)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list unresolved iterate")
}

func (s *PostgresStore) ResolveUnresolved(ctx context.Context, id, actor string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE unresolved_events SET resolved = TRUE, resolved_by = $1 WHERE id = $2 AND resolved = FALSE`,
		actor, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve unresolved %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "unresolved event %s", id)
	}
	return nil
}

// Match results

func (s *PostgresStore) UpsertMatchResult(ctx context.Context, r *model.ThreeWayMatchResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal match result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO match_results (po_id, vendor_id, status, doc, computed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (po_id) DO UPDATE SET
		   vendor_id = EXCLUDED.vendor_id, status = EXCLUDED.status,
		   doc = EXCLUDED.doc, computed_at = EXCLUDED.computed_at`,
		r.PurchaseOrderID, r.VendorID, string(r.MatchStatus), doc, r.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: upsert match result %s", r.PurchaseOrderID)
}

func (s *PostgresStore) GetMatchResult(ctx context.Context, poID string) (*model.ThreeWayMatchResult, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM match_results WHERE po_id = $1`, poID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: match result %s", poID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get match result %s", poID)
	}
	var r model.ThreeWayMatchResult
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal match result")
	}
	return &r, nil
}

// Vendor profiles

func (s *PostgresStore) UpsertVendorProfile(ctx context.Context, p *model.VendorConfidenceProfile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal vendor profile")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO vendor_profiles (vendor_id, doc, last_recalculated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (vendor_id) DO UPDATE SET
		   doc = EXCLUDED.doc, last_recalculated_at = EXCLUDED.last_recalculated_at`,
		p.VendorID, doc, p.LastRecalculatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert vendor profile %s", p.VendorID)
}

func (s *PostgresStore) GetVendorProfile(ctx context.Context, vendorID string) (*model.VendorConfidenceProfile, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM vendor_profiles WHERE vendor_id = $1`, vendorID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: vendor profile %s", vendorID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get vendor profile %s", vendorID)
	}
	var p model.VendorConfidenceProfile
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal vendor profile")
	}
	return &p, nil
}

func (s *PostgresStore) ListStaleVendors(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT vendor_id FROM vendor_profiles WHERE last_recalculated_at < $1 ORDER BY last_recalculated_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale vendors")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale vendor")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list stale vendors iterate")
}

// Domain events

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.DomainEvent) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO domain_events (id, kind, vendor_id, po_id, occurred_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, string(e.Kind), e.VendorID, e.PurchaseOrderID, e.OccurredAt, doc,
	)
	return eris.Wrapf(err, "postgres: append event %s", e.ID)
}

func (s *PostgresStore) ListVendorEventsSince(ctx context.Context, vendorID string, since time.Time) ([]model.DomainEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM domain_events WHERE vendor_id = $1 AND occurred_at >= $2 ORDER BY occurred_at ASC`,
		vendorID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vendor events")
	}
	defer rows.Close()

	var events []model.DomainEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		var e model.DomainEvent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list vendor events iterate")
}

// helpers

func scanPgTask(row pgx.Row) (*model.RetryTask, error) {
	var t model.RetryTask
	var operation, status string
	var payload []byte
	var leaseExpires *time.Time

	err := row.Scan(&t.ID, &t.TaskKey, &operation, &status, &payload,
		&t.RetryCount, &t.MaxRetries, &t.BackoffMultiplier, &t.NextRetryAt,
		&t.LeaseToken, &leaseExpires, &t.RequiresRollback,
		&t.BackupRef, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Operation = model.TaskOperation(operation)
	t.Status = model.TaskStatus(status)
	t.LeaseExpiresAt = leaseExpires
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal task payload")
	}
	return &t, nil
}

func scanPgLink(row pgx.Row) (*model.CorrelationLink, error) {
	var l model.CorrelationLink
	var keyType, method string

	err := row.Scan(&l.ID, &l.ExternalKey, &keyType, &l.PurchaseOrderID,
		&l.VendorID, &l.DocumentID, &l.Confidence, &method,
		&l.Superseded, &l.SupersededByID, &l.Sightings, &l.CreatedAt)
	if err != nil {
		return nil, err
	}

	l.ExternalKeyType = model.ExternalKeyType(keyType)
	l.Method = model.CorrelationMethod(method)
	return &l, nil
}
