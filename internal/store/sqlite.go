package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/procureflow/po-recon/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS purchase_orders (
	id         TEXT PRIMARY KEY,
	number     TEXT NOT NULL UNIQUE,
	vendor_id  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	doc        TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS receipts (
	id        TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	doc       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	id        TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	doc       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_tasks (
	id                 TEXT PRIMARY KEY,
	task_key           TEXT NOT NULL DEFAULT '',
	operation          TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	payload            TEXT NOT NULL,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL DEFAULT 3,
	backoff_multiplier REAL NOT NULL DEFAULT 2.0,
	next_retry_at      DATETIME NOT NULL,
	lease_token        TEXT NOT NULL DEFAULT '',
	lease_expires_at   DATETIME,
	requires_rollback  INTEGER NOT NULL DEFAULT 0,
	backup_ref         TEXT NOT NULL DEFAULT '',
	last_error         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_links (
	id                TEXT PRIMARY KEY,
	external_key      TEXT NOT NULL,
	external_key_type TEXT NOT NULL,
	po_id             TEXT NOT NULL,
	vendor_id         TEXT NOT NULL,
	document_id       TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL,
	method            TEXT NOT NULL,
	superseded        INTEGER NOT NULL DEFAULT 0,
	superseded_by_id  TEXT NOT NULL DEFAULT '',
	sightings         INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS unresolved_events (
	id                TEXT PRIMARY KEY,
	external_key      TEXT NOT NULL,
	external_key_type TEXT NOT NULL,
	vendor_hint       TEXT NOT NULL DEFAULT '',
	raw_payload_ref   TEXT NOT NULL DEFAULT '',
	resolved          INTEGER NOT NULL DEFAULT 0,
	resolved_by       TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS match_results (
	po_id       TEXT PRIMARY KEY,
	vendor_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	doc         TEXT NOT NULL,
	computed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS vendor_profiles (
	vendor_id            TEXT PRIMARY KEY,
	doc                  TEXT NOT NULL,
	last_recalculated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS domain_events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	vendor_id   TEXT NOT NULL DEFAULT '',
	po_id       TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL,
	doc         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_po_vendor_status ON purchase_orders(vendor_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON retry_tasks(status, next_retry_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_live_key ON retry_tasks(task_key)
	WHERE task_key != '' AND status IN ('pending', 'leased');
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_key ON correlation_links(external_key_type, external_key)
	WHERE superseded = 0;
CREATE INDEX IF NOT EXISTS idx_links_po ON correlation_links(po_id);
CREATE INDEX IF NOT EXISTS idx_links_vendor ON correlation_links(vendor_id);
CREATE INDEX IF NOT EXISTS idx_events_vendor_time ON domain_events(vendor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_unresolved_open ON unresolved_events(resolved, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Purchase orders

func (s *SQLiteStore) UpsertPurchaseOrder(ctx context.Context, po *model.PurchaseOrder) error {
	now := time.Now().UTC()
	if po.CreatedAt.IsZero() {
		po.CreatedAt = now
	}
	po.UpdatedAt = now

	doc, err := json.Marshal(po)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal po")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO purchase_orders (id, number, vendor_id, status, doc, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   number = excluded.number, vendor_id = excluded.vendor_id,
		   status = excluded.status, doc = excluded.doc, updated_at = excluded.updated_at`,
		po.ID, po.Number, po.VendorID, string(po.Status), string(doc), po.CreatedAt, po.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert po %s", po.ID)
}

func (s *SQLiteStore) GetPurchaseOrder(ctx context.Context, id string) (*model.PurchaseOrder, error) {
	return s.scanPO(s.db.QueryRowContext(ctx,
		`SELECT doc FROM purchase_orders WHERE id = ?`, id))
}

func (s *SQLiteStore) GetPurchaseOrderByNumber(ctx context.Context, number string) (*model.PurchaseOrder, error) {
	return s.scanPO(s.db.QueryRowContext(ctx,
		`SELECT doc FROM purchase_orders WHERE number = ?`, number))
}

func (s *SQLiteStore) scanPO(row *sql.Row) (*model.PurchaseOrder, error) {
	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "sqlite: purchase order")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan po")
	}
	var po model.PurchaseOrder
	if err := json.Unmarshal([]byte(doc), &po); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal po")
	}
	return &po, nil
}

func (s *SQLiteStore) ListOpenPurchaseOrders(ctx context.Context, vendorID string) ([]model.PurchaseOrder, error) {
	query := `SELECT doc FROM purchase_orders WHERE status = 'open'`
	var args []any
	if vendorID != "" {
		query += ` AND vendor_id = ?`
		args = append(args, vendorID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list open pos")
	}
	defer rows.Close()

	var pos []model.PurchaseOrder
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan po row")
		}
		var po model.PurchaseOrder
		if err := json.Unmarshal([]byte(doc), &po); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal po row")
		}
		pos = append(pos, po)
	}
	return pos, eris.Wrap(rows.Err(), "sqlite: list open pos iterate")
}

func (s *SQLiteStore) ListVendorPurchaseOrders(ctx context.Context, vendorID string) ([]model.PurchaseOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM purchase_orders WHERE vendor_id = ? ORDER BY created_at ASC`, vendorID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vendor pos")
	}
	defer rows.Close()

	var pos []model.PurchaseOrder
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan po row")
		}
		var po model.PurchaseOrder
		if err := json.Unmarshal([]byte(doc), &po); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal po row")
		}
		pos = append(pos, po)
	}
	return pos, eris.Wrap(rows.Err(), "sqlite: list vendor pos iterate")
}

func (s *SQLiteStore) ClosePurchaseOrder(ctx context.Context, id string) error {
	po, err := s.GetPurchaseOrder(ctx, id)
	if err != nil {
		return err
	}
	po.Status = model.POStatusClosed
	return s.UpsertPurchaseOrder(ctx, po)
}

// Receipts and invoices

func (s *SQLiteStore) PutReceipt(ctx context.Context, r *model.ShipmentReceipt) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal receipt")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, vendor_id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET vendor_id = excluded.vendor_id, doc = excluded.doc`,
		r.ID, r.VendorID, string(doc),
	)
	return eris.Wrapf(err, "sqlite: put receipt %s", r.ID)
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*model.ShipmentReceipt, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM receipts WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "sqlite: receipt")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get receipt")
	}
	var r model.ShipmentReceipt
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal receipt")
	}
	return &r, nil
}

func (s *SQLiteStore) PutInvoice(ctx context.Context, inv *model.InvoiceDocument) error {
	doc, err := json.Marshal(inv)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal invoice")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invoices (id, vendor_id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET vendor_id = excluded.vendor_id, doc = excluded.doc`,
		inv.ID, inv.VendorID, string(doc),
	)
	return eris.Wrapf(err, "sqlite: put invoice %s", inv.ID)
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*model.InvoiceDocument, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM invoices WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "sqlite: invoice")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get invoice")
	}
	var inv model.InvoiceDocument
	if err := json.Unmarshal([]byte(doc), &inv); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal invoice")
	}
	return &inv, nil
}

// Retry tasks

const taskColumns = `id, task_key, operation, status, payload, retry_count, max_retries,
	backoff_multiplier, next_retry_at, lease_token, lease_expires_at,
	requires_rollback, backup_ref, last_error, created_at, updated_at`

func (s *SQLiteStore) InsertTask(ctx context.Context, t *model.RetryTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}

	var leaseExpires any
	if t.LeaseExpiresAt != nil {
		leaseExpires = *t.LeaseExpiresAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskKey, string(t.Operation), string(t.Status), string(payload),
		t.RetryCount, t.MaxRetries, t.BackoffMultiplier, t.NextRetryAt,
		t.LeaseToken, leaseExpires, boolToInt(t.RequiresRollback),
		t.BackupRef, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert task %s", t.ID)
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.RetryTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM retry_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: task %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) GetLiveTaskByKey(ctx context.Context, key string) (*model.RetryTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM retry_tasks
		 WHERE task_key = ? AND status IN ('pending', 'leased') LIMIT 1`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: live task by key %s", key)
	}
	return t, nil
}

// LeaseNextTask atomically claims the oldest due pending task. The single
// UPDATE with a subselect is the compare-and-swap: SQLite serializes writers,
// so no two callers can claim the same row.
func (s *SQLiteStore) LeaseNextTask(ctx context.Context, now time.Time, token string, leaseUntil time.Time) (*model.RetryTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`UPDATE retry_tasks
		 SET status = 'leased', lease_token = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM retry_tasks
		   WHERE status = 'pending' AND next_retry_at <= ?
		   ORDER BY next_retry_at ASC, created_at ASC LIMIT 1
		 ) AND status = 'pending'
		 RETURNING `+taskColumns,
		token, leaseUntil, now, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lease next task")
	}
	return t, nil
}

func (s *SQLiteStore) MarkTaskSucceeded(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_tasks
		 SET status = 'succeeded', lease_token = '', lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND status = 'leased'`,
		time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark task succeeded %s", id)
	}
	return checkLease(res, id)
}

func (s *SQLiteStore) RescheduleTask(ctx context.Context, id, token string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_tasks
		 SET status = 'pending', lease_token = '', lease_expires_at = NULL,
		     retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND status = 'leased'`,
		retryCount, nextRetryAt, lastErr, time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reschedule task %s", id)
	}
	return checkLease(res, id)
}

func (s *SQLiteStore) DeadLetterTask(ctx context.Context, id, token, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_tasks
		 SET status = 'dead', lease_token = '', lease_expires_at = NULL,
		     last_error = ?, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND status = 'leased'`,
		lastErr, time.Now().UTC(), id, token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: dead-letter task %s", id)
	}
	return checkLease(res, id)
}

func (s *SQLiteStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_tasks
		 SET status = 'pending', lease_token = '', lease_expires_at = NULL, updated_at = ?
		 WHERE status = 'leased' AND lease_expires_at < ?`,
		now, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap expired leases")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: reap rows affected")
}

func (s *SQLiteStore) ListDeadTasks(ctx context.Context, limit int) ([]model.RetryTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM retry_tasks
		 WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead tasks")
	}
	defer rows.Close()

	var tasks []model.RetryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list dead tasks iterate")
}

func (s *SQLiteStore) RequeueDeadTask(ctx context.Context, id string, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_tasks
		 SET status = 'pending', retry_count = 0, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'dead'`,
		nextRetryAt, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue dead task %s", id)
	}
	return checkRowsAffected(res, "dead task", id)
}

func (s *SQLiteStore) PurgeTerminalTasks(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_tasks
		 WHERE status IN ('succeeded', 'dead') AND updated_at < ?`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge terminal tasks")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: purge rows affected")
}

// Correlation links

const linkColumns = `id, external_key, external_key_type, po_id, vendor_id, document_id,
	confidence, method, superseded, superseded_by_id, sightings, created_at`

func (s *SQLiteStore) GetActiveLink(ctx context.Context, keyType model.ExternalKeyType, key string) (*model.CorrelationLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM correlation_links
		 WHERE external_key_type = ? AND external_key = ? AND superseded = 0`,
		string(keyType), key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: active link %s/%s", string(keyType), key)
	}
	return l, nil
}

func (s *SQLiteStore) InsertLink(ctx context.Context, l *model.CorrelationLink) error {
	return s.execInsertLink(ctx, s.db, l)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) execInsertLink(ctx context.Context, ex execer, l *model.CorrelationLink) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO correlation_links (`+linkColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ExternalKey, string(l.ExternalKeyType), l.PurchaseOrderID,
		l.VendorID, l.DocumentID, l.Confidence, string(l.Method),
		boolToInt(l.Superseded), l.SupersededByID, l.Sightings, l.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert link %s", l.ID)
}

// SupersedeLink retires the old active link and activates the new one in a
// single transaction. The old row is retained for audit.
func (s *SQLiteStore) SupersedeLink(ctx context.Context, oldID string, newLink *model.CorrelationLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: supersede begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE correlation_links SET superseded = 1, superseded_by_id = ?
		 WHERE id = ? AND superseded = 0`,
		newLink.ID, oldID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: supersede link %s", oldID)
	}
	if err := checkRowsAffected(res, "link", oldID); err != nil {
		return err
	}
	if err := s.execInsertLink(ctx, tx, newLink); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: supersede commit")
}

func (s *SQLiteStore) IncrementSighting(ctx context.Context, linkID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE correlation_links SET sightings = sightings + 1 WHERE id = ?`, linkID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment sighting %s", linkID)
	}
	return checkRowsAffected(res, "link", linkID)
}

func (s *SQLiteStore) ListLinksByPO(ctx context.Context, poID string, includeSuperseded bool) ([]model.CorrelationLink, error) {
	query := `SELECT ` + linkColumns + ` FROM correlation_links WHERE po_id = ?`
	if !includeSuperseded {
		query += ` AND superseded = 0`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, poID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links by po")
	}
	defer rows.Close()

	var links []model.CorrelationLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan link")
		}
		links = append(links, *l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: list links iterate")
}

// Unresolved queue

func (s *SQLiteStore) AddUnresolved(ctx context.Context, u *model.UnresolvedEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unresolved_events
		 (id, external_key, external_key_type, vendor_hint, raw_payload_ref, resolved, resolved_by, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		u.ID, u.ExternalKey, string(u.ExternalKeyType), u.VendorHint, u.RawPayloadRef, u.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: add unresolved %s", u.ID)
}

func (s *SQLiteStore) ListUnresolved(ctx context.Context, limit int) ([]model.UnresolvedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_key, external_key_type, vendor_hint, raw_payload_ref, resolved, resolved_by, created_at
		 FROM unresolved_events WHERE resolved = 0 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unresolved")
	}
	defer rows.Close()

	var events []model.UnresolvedEvent
	for rows.Next() {
		var u model.UnresolvedEvent
		var keyType string
		var resolved int
		if err := rows.Scan(&u.ID, &u.ExternalKey, &keyType, &u.VendorHint,
			&u.RawPayloadRef, &resolved, &u.ResolvedBy, &u.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unresolved")
		}
		u.ExternalKeyType = model.ExternalKeyType(keyType)
		u.Resolved = resolved != 0
		events = append(events, u)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list unresolved iterate")
}

func (s *SQLiteStore) ResolveUnresolved(ctx context.Context, id, actor string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE unresolved_events SET resolved = 1, resolved_by = ? WHERE id = ? AND resolved = 0`,
		actor, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve unresolved %s", id)
	}
	return checkRowsAffected(res, "unresolved event", id)
}

// Match results

func (s *SQLiteStore) UpsertMatchResult(ctx context.Context, r *model.ThreeWayMatchResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal match result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO match_results (po_id, vendor_id, status, doc, computed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (po_id) DO UPDATE SET
		   vendor_id = excluded.vendor_id, status = excluded.status,
		   doc = excluded.doc, computed_at = excluded.computed_at`,
		r.PurchaseOrderID, r.VendorID, string(r.MatchStatus), string(doc), r.ComputedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert match result %s", r.PurchaseOrderID)
}

func (s *SQLiteStore) GetMatchResult(ctx context.Context, poID string) (*model.ThreeWayMatchResult, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM match_results WHERE po_id = ?`, poID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: match result %s", poID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get match result %s", poID)
	}
	var r model.ThreeWayMatchResult
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal match result")
	}
	return &r, nil
}

// Vendor profiles

func (s *SQLiteStore) UpsertVendorProfile(ctx context.Context, p *model.VendorConfidenceProfile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal vendor profile")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vendor_profiles (vendor_id, doc, last_recalculated_at) VALUES (?, ?, ?)
		 ON CONFLICT (vendor_id) DO UPDATE SET
		   doc = excluded.doc, last_recalculated_at = excluded.last_recalculated_at`,
		p.VendorID, string(doc), p.LastRecalculatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert vendor profile %s", p.VendorID)
}

func (s *SQLiteStore) GetVendorProfile(ctx context.Context, vendorID string) (*model.VendorConfidenceProfile, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM vendor_profiles WHERE vendor_id = ?`, vendorID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: vendor profile %s", vendorID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get vendor profile %s", vendorID)
	}
	var p model.VendorConfidenceProfile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal vendor profile")
	}
	return &p, nil
}

func (s *SQLiteStore) ListStaleVendors(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vendor_id FROM vendor_profiles WHERE last_recalculated_at < ? ORDER BY last_recalculated_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale vendors")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale vendor")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list stale vendors iterate")
}

// Domain events

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *model.DomainEvent) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO domain_events (id, kind, vendor_id, po_id, occurred_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.VendorID, e.PurchaseOrderID, e.OccurredAt, string(doc),
	)
	return eris.Wrapf(err, "sqlite: append event %s", e.ID)
}

func (s *SQLiteStore) ListVendorEventsSince(ctx context.Context, vendorID string, since time.Time) ([]model.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM domain_events WHERE vendor_id = ? AND occurred_at >= ? ORDER BY occurred_at ASC`,
		vendorID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vendor events")
	}
	defer rows.Close()

	var events []model.DomainEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		var e model.DomainEvent
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list vendor events iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.RetryTask, error) {
	var t model.RetryTask
	var operation, status, payload string
	var leaseExpires sql.NullTime
	var requiresRollback int

	err := row.Scan(&t.ID, &t.TaskKey, &operation, &status, &payload,
		&t.RetryCount, &t.MaxRetries, &t.BackoffMultiplier, &t.NextRetryAt,
		&t.LeaseToken, &leaseExpires, &requiresRollback,
		&t.BackupRef, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Operation = model.TaskOperation(operation)
	t.Status = model.TaskStatus(status)
	t.RequiresRollback = requiresRollback != 0
	if leaseExpires.Valid {
		exp := leaseExpires.Time
		t.LeaseExpiresAt = &exp
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal task payload")
	}
	return &t, nil
}

func scanLink(row scannable) (*model.CorrelationLink, error) {
	var l model.CorrelationLink
	var keyType, method string
	var superseded int

	err := row.Scan(&l.ID, &l.ExternalKey, &keyType, &l.PurchaseOrderID,
		&l.VendorID, &l.DocumentID, &l.Confidence, &method,
		&superseded, &l.SupersededByID, &l.Sightings, &l.CreatedAt)
	if err != nil {
		return nil, err
	}

	l.ExternalKeyType = model.ExternalKeyType(keyType)
	l.Method = model.CorrelationMethod(method)
	l.Superseded = superseded != 0
	return &l, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func checkLease(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrLeaseMismatch, "task %s", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
