package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fxPilot/internal/domain"
	"fxPilot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.OrderBook, ports.DealJournal and ports.RiskStore
// using SQLite. A single store mutex serializes every mutation so that
// read-modify-write sequences (fill aggregation, status transitions) are
// atomic with respect to the concurrent signal and reconciler threads.
type Store struct {
	db     *sql.DB
	logger ports.Logger
	mu     sync.Mutex
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewStore opens (or creates) the database and initializes the schema.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/order_book.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the signal path and the reconciler.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits
	// from a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: cfg.Logger}

	if err := s.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Order book database ready", map[string]interface{}{"path": dbPath})

	return s, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		coid TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty REAL NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		broker_order_id TEXT DEFAULT NULL,
		status TEXT NOT NULL,
		sl REAL DEFAULT NULL,
		tp REAL DEFAULT NULL,
		submission_uncertain INTEGER NOT NULL DEFAULT 0,
		created_ts TIMESTAMP NOT NULL,
		updated_ts TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		coid TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL,
		ts TIMESTAMP NOT NULL,
		deal_id TEXT NOT NULL UNIQUE,
		FOREIGN KEY (coid) REFERENCES orders(coid)
	);

	CREATE TABLE IF NOT EXISTS processed_deals (
		deal_id TEXT PRIMARY KEY,
		coid TEXT NOT NULL,
		ts TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		consecutive_losses INTEGER NOT NULL DEFAULT 0,
		trades_today INTEGER NOT NULL DEFAULT 0,
		last_loss_ts TIMESTAMP DEFAULT NULL,
		session_start_ts TIMESTAMP NOT NULL,
		blackout_from TIMESTAMP DEFAULT NULL,
		blackout_until TIMESTAMP DEFAULT NULL,
		current_date_key TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders (updated_ts);
	CREATE INDEX IF NOT EXISTS idx_fills_coid ON fills (coid);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing order book database")
		return s.db.Close()
	}
	return nil
}

// --- OrderBook Implementation ---

// CreatePending inserts a new order in PENDING state.
func (s *Store) CreatePending(ctx context.Context, coid, symbol string, side domain.OrderSide, qty float64, sl, tp *float64) (*domain.Order, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("order quantity %f must be positive: %w", qty, ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	const query = `
	INSERT INTO orders (coid, symbol, side, qty, status, sl, tp, created_ts, updated_ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		coid, symbol, string(side), qty, string(domain.StatusPending), nullFloat(sl), nullFloat(tp), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("order %s already exists: %w", coid, ports.ErrDuplicateCoid)
		}
		return nil, fmt.Errorf("failed to insert order %s: %w", coid, err)
	}

	s.logger.Debug(ctx, "Pending order created", map[string]interface{}{"coid": coid, "symbol": symbol, "side": side, "qty": qty})
	return &domain.Order{
		Coid: coid, Symbol: symbol, Side: side, Qty: qty,
		Status: domain.StatusPending, SL: sl, TP: tp,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// UpsertOnAccept transitions PENDING → ACCEPTED and records the broker order id.
func (s *Store) UpsertOnAccept(ctx context.Context, coid, brokerOrderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, err := s.getLocked(ctx, coid)
	if err != nil {
		return nil, err
	}
	if ord == nil {
		return nil, fmt.Errorf("accept for order %s: %w", coid, ports.ErrUnknownCoid)
	}
	if !ord.Status.CanAdvanceTo(domain.StatusAccepted) {
		if ord.Status.IsTerminal() {
			return nil, fmt.Errorf("accept for order %s in status %s: %w", coid, ord.Status, ports.ErrTerminalState)
		}
		// Already accepted (or filling); just refresh the broker id if missing.
		if ord.BrokerOrderID == nil {
			if err := s.execLocked(ctx, `UPDATE orders SET broker_order_id = ?, updated_ts = ? WHERE coid = ?`,
				brokerOrderID, time.Now().UTC(), coid); err != nil {
				return nil, err
			}
			ord.BrokerOrderID = &brokerOrderID
		}
		return ord, nil
	}

	now := time.Now().UTC()
	if err := s.execLocked(ctx, `UPDATE orders SET status = ?, broker_order_id = ?, submission_uncertain = 0, updated_ts = ? WHERE coid = ?`,
		string(domain.StatusAccepted), brokerOrderID, now, coid); err != nil {
		return nil, err
	}

	ord.Status = domain.StatusAccepted
	ord.BrokerOrderID = &brokerOrderID
	ord.SubmissionUncertain = false
	ord.UpdatedAt = now
	s.logger.Debug(ctx, "Order accepted", map[string]interface{}{"coid": coid, "brokerOrderID": brokerOrderID})
	return ord, nil
}

// RecordFill appends a fill inside a single transaction and recomputes the
// aggregate fill state. Duplicate deal ids are a no-op, not an error.
func (s *Store) RecordFill(ctx context.Context, coid string, qty, price float64, ts time.Time, dealID string) (*domain.Order, bool, error) {
	if qty <= 0 || price <= 0 {
		return nil, false, fmt.Errorf("fill qty=%f price=%f for order %s: %w", qty, price, coid, ports.ErrInvalidFill)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin fill transaction for %s: %w", coid, err)
	}
	defer tx.Rollback()

	ord, err := scanOrder(tx.QueryRowContext(ctx, selectOrderQuery+` WHERE coid = ?`, coid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("fill %s references order %s: %w", dealID, coid, ports.ErrUnknownCoid)
		}
		return nil, false, fmt.Errorf("failed to load order %s for fill: %w", coid, err)
	}

	// Idempotency on deal id: replayed deals must not double-count.
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM fills WHERE deal_id = ?`, dealID).Scan(&one)
	if err == nil {
		s.logger.Debug(ctx, "Duplicate deal ignored", map[string]interface{}{"coid": coid, "dealID": dealID})
		return ord, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check deal %s: %w", dealID, err)
	}

	// A fill advances the order to PARTIAL or FILLED; an order that can no
	// longer make that move is finished.
	if !ord.Status.CanAdvanceTo(domain.StatusPartial) {
		return nil, false, fmt.Errorf("fill %s for order %s in status %s: %w", dealID, coid, ord.Status, ports.ErrTerminalState)
	}

	newFilled := ord.FilledQty + qty
	if newFilled > ord.Qty+domain.QtyEpsilon {
		return nil, false, fmt.Errorf("fill %s would over-fill order %s (%f > %f): %w",
			dealID, coid, newFilled, ord.Qty, ports.ErrOverFill)
	}

	newAvg := (ord.AvgFillPrice*ord.FilledQty + price*qty) / newFilled
	newStatus := domain.StatusPartial
	if newFilled >= ord.Qty-domain.QtyEpsilon {
		newStatus = domain.StatusFilled
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO fills (coid, qty, price, ts, deal_id) VALUES (?, ?, ?, ?, ?)`,
		coid, qty, price, ts, dealID); err != nil {
		return nil, false, fmt.Errorf("failed to insert fill %s: %w", dealID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET filled_qty = ?, avg_fill_price = ?, status = ?, updated_ts = ? WHERE coid = ?`,
		newFilled, newAvg, string(newStatus), now, coid); err != nil {
		return nil, false, fmt.Errorf("failed to update order %s after fill: %w", coid, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit fill %s: %w", dealID, err)
	}

	ord.FilledQty = newFilled
	ord.AvgFillPrice = newAvg
	ord.Status = newStatus
	ord.UpdatedAt = now
	s.logger.Debug(ctx, "Fill recorded", map[string]interface{}{
		"coid": coid, "dealID": dealID, "qty": qty, "price": price,
		"filledQty": newFilled, "avgFillPrice": newAvg, "status": newStatus,
	})
	return ord, true, nil
}

// MarkCancelled transitions the order to CANCELLED.
func (s *Store) MarkCancelled(ctx context.Context, coid string) (*domain.Order, error) {
	return s.markTerminal(ctx, coid, domain.StatusCancelled)
}

// MarkRejected transitions the order to REJECTED.
func (s *Store) MarkRejected(ctx context.Context, coid string) (*domain.Order, error) {
	return s.markTerminal(ctx, coid, domain.StatusRejected)
}

func (s *Store) markTerminal(ctx context.Context, coid string, status domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, err := s.getLocked(ctx, coid)
	if err != nil {
		return nil, err
	}
	if ord == nil {
		return nil, fmt.Errorf("%s for order %s: %w", status, coid, ports.ErrUnknownCoid)
	}
	if !ord.Status.CanAdvanceTo(status) {
		return nil, fmt.Errorf("%s for order %s already in %s: %w", status, coid, ord.Status, ports.ErrTerminalState)
	}

	now := time.Now().UTC()
	if err := s.execLocked(ctx, `UPDATE orders SET status = ?, updated_ts = ? WHERE coid = ?`,
		string(status), now, coid); err != nil {
		return nil, err
	}

	ord.Status = status
	ord.UpdatedAt = now
	s.logger.Info(ctx, "Order moved to terminal state", map[string]interface{}{"coid": coid, "status": status})
	return ord, nil
}

// SetSubmissionUncertain flags or clears the submission-uncertain marker.
func (s *Store) SetSubmissionUncertain(ctx context.Context, coid string, uncertain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if uncertain {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET submission_uncertain = ?, updated_ts = ? WHERE coid = ?`,
		flag, time.Now().UTC(), coid)
	if err != nil {
		return fmt.Errorf("failed to update submission flag for %s: %w", coid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("submission flag for order %s: %w", coid, ports.ErrUnknownCoid)
	}
	return nil
}

// UpdateStops mutates protective levels without affecting fill state.
func (s *Store) UpdateStops(ctx context.Context, coid string, sl, tp *float64) error {
	if sl == nil && tp == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Build the update dynamically so nil leaves a level untouched.
	query := `UPDATE orders SET updated_ts = ?`
	args := []interface{}{time.Now().UTC()}
	if sl != nil {
		query += `, sl = ?`
		args = append(args, *sl)
	}
	if tp != nil {
		query += `, tp = ?`
		args = append(args, *tp)
	}
	query += ` WHERE coid = ?`
	args = append(args, coid)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update stops for %s: %w", coid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stop update for order %s: %w", coid, ports.ErrUnknownCoid)
	}
	s.logger.Debug(ctx, "Stops updated", map[string]interface{}{"coid": coid, "sl": sl, "tp": tp})
	return nil
}

// Get retrieves an order by coid. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, coid string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, coid)
}

func (s *Store) getLocked(ctx context.Context, coid string) (*domain.Order, error) {
	ord, err := scanOrder(s.db.QueryRowContext(ctx, selectOrderQuery+` WHERE coid = ?`, coid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query order %s: %w", coid, err)
	}
	return ord, nil
}

// ActiveOrders returns all non-terminal orders, optionally filtered by symbol.
func (s *Store) ActiveOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectOrderQuery + ` WHERE status NOT IN (?, ?, ?)`
	args := []interface{}{
		string(domain.StatusFilled), string(domain.StatusCancelled), string(domain.StatusRejected),
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_ts`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active order: %w", err)
		}
		orders = append(orders, ord)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active orders: %w", err)
	}
	return orders, nil
}

// Fills returns the fill history for an order in ascending timestamp order.
func (s *Store) Fills(ctx context.Context, coid string) ([]*domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, coid, qty, price, ts, deal_id FROM fills WHERE coid = ? ORDER BY ts, id`, coid)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills for %s: %w", coid, err)
	}
	defer rows.Close()

	fills := make([]*domain.Fill, 0)
	for rows.Next() {
		f := &domain.Fill{}
		if err := rows.Scan(&f.ID, &f.Coid, &f.Qty, &f.Price, &f.Ts, &f.DealID); err != nil {
			return nil, fmt.Errorf("failed to scan fill for %s: %w", coid, err)
		}
		fills = append(fills, f)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fills: %w", err)
	}
	return fills, nil
}

// CountByStatus reports the number of orders per status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.OrderStatus(status)] = n
	}
	return counts, rows.Err()
}

// PurgeTerminal deletes terminal orders and their fills older than the given age.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	const terminal = `(?, ?, ?)`
	args := []interface{}{
		string(domain.StatusFilled), string(domain.StatusCancelled), string(domain.StatusRejected),
	}

	// Fills first (foreign key).
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fills WHERE coid IN (SELECT coid FROM orders WHERE status IN `+terminal+` AND updated_ts < ?)`,
		append(args, cutoff)...); err != nil {
		return 0, fmt.Errorf("failed to purge fills: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM orders WHERE status IN `+terminal+` AND updated_ts < ?`,
		append(args, cutoff)...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge orders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info(ctx, "Purged terminal orders", map[string]interface{}{"count": n, "olderThan": olderThan.String()})
	}
	return n, nil
}

// --- DealJournal Implementation ---

// SeenDeal reports whether the deal id has already been processed.
func (s *Store) SeenDeal(ctx context.Context, dealID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_deals WHERE deal_id = ?`, dealID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed deal %s: %w", dealID, err)
	}
	return true, nil
}

// MarkDeal records a deal id as processed. Marking the same deal twice is harmless.
func (s *Store) MarkDeal(ctx context.Context, dealID, coid string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_deals (deal_id, coid, ts) VALUES (?, ?, ?)`, dealID, coid, ts); err != nil {
		return fmt.Errorf("failed to mark deal %s: %w", dealID, err)
	}
	return nil
}

// --- RiskStore Implementation ---

// LoadRiskState returns the persisted governor state, or a fresh state when
// none has been saved yet.
func (s *Store) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT consecutive_losses, trades_today, last_loss_ts, session_start_ts,
	       blackout_from, blackout_until, current_date_key
	FROM risk_state WHERE id = 1`)

	st := &domain.RiskState{}
	var lastLoss, blackoutFrom, blackoutUntil sql.NullTime
	err := row.Scan(&st.ConsecutiveLosses, &st.TradesToday, &lastLoss, &st.SessionStartTs,
		&blackoutFrom, &blackoutUntil, &st.CurrentDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.RiskState{SessionStartTs: time.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	if lastLoss.Valid {
		st.LastLossTs = &lastLoss.Time
	}
	if blackoutFrom.Valid {
		st.BlackoutFrom = &blackoutFrom.Time
	}
	if blackoutUntil.Valid {
		st.BlackoutUntil = &blackoutUntil.Time
	}
	return st, nil
}

// SaveRiskState atomically replaces the persisted governor state.
func (s *Store) SaveRiskState(ctx context.Context, st *domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO risk_state (id, consecutive_losses, trades_today, last_loss_ts, session_start_ts,
	                        blackout_from, blackout_until, current_date_key)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		consecutive_losses = excluded.consecutive_losses,
		trades_today = excluded.trades_today,
		last_loss_ts = excluded.last_loss_ts,
		session_start_ts = excluded.session_start_ts,
		blackout_from = excluded.blackout_from,
		blackout_until = excluded.blackout_until,
		current_date_key = excluded.current_date_key`,
		st.ConsecutiveLosses, st.TradesToday, nullTime(st.LastLossTs), st.SessionStartTs,
		nullTime(st.BlackoutFrom), nullTime(st.BlackoutUntil), st.CurrentDate)
	if err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// --- Helpers ---

func (s *Store) execLocked(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

const selectOrderQuery = `
	SELECT coid, symbol, side, qty, filled_qty, avg_fill_price,
	       broker_order_id, status, sl, tp, submission_uncertain, created_ts, updated_ts
	FROM orders`

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(sc scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var side, status string
	var brokerID sql.NullString
	var sl, tp sql.NullFloat64
	var uncertain int
	err := sc.Scan(&o.Coid, &o.Symbol, &side, &o.Qty, &o.FilledQty, &o.AvgFillPrice,
		&brokerID, &status, &sl, &tp, &uncertain, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err // sql.ErrNoRows handled by the caller
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	if brokerID.Valid {
		o.BrokerOrderID = &brokerID.String
	}
	if sl.Valid {
		v := sl.Float64
		o.SL = &v
	}
	if tp.Valid {
		v := tp.Float64
		o.TP = &v
	}
	o.SubmissionUncertain = uncertain != 0
	return o, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation detects a primary key / unique constraint failure
// without importing driver internals.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
