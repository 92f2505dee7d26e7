package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_ob_trader/internal/domain"
)

// SQLiteStore implements OrderBlockRepository, PositionRepository,
// TradeLogRepository and ProtectionRepository over a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS order_blocks (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			type TEXT NOT NULL,
			range_top REAL NOT NULL,
			range_bottom REAL NOT NULL,
			confirmed_at DATETIME NOT NULL,
			breakout_price REAL NOT NULL,
			confidence TEXT NOT NULL,
			volume_aggregate REAL NOT NULL,
			creation_index INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			is_broken BOOLEAN NOT NULL DEFAULT 0,
			is_processed BOOLEAN NOT NULL DEFAULT 0,
			processed_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ob_breakout ON order_blocks(symbol, timeframe, type, confirmed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_ob_live ON order_blocks(symbol, timeframe, is_active, is_processed, is_broken);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			avg_entry_price REAL NOT NULL,
			size REAL NOT NULL,
			stop_loss REAL NOT NULL,
			stop_loss_order_id TEXT NOT NULL DEFAULT '',
			liquidation_price REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL,
			margin REAL NOT NULL DEFAULT 0,
			addition_count INTEGER NOT NULL DEFAULT 0,
			related_ob_id TEXT NOT NULL DEFAULT '',
			last_ob_bottom REAL NOT NULL DEFAULT 0,
			last_ob_top REAL NOT NULL DEFAULT 0,
			open_time DATETIME,
			exit_time DATETIME,
			exit_price REAL NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT '',
			pnl REAL NOT NULL DEFAULT 0,
			last_checked DATETIME,
			last_price REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions(symbol, status);`,
		`CREATE TABLE IF NOT EXISTS trade_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			size REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			position_id TEXT NOT NULL,
			pnl REAL NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT '',
			ob_id TEXT NOT NULL DEFAULT '',
			ob_confidence TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS protection_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			account_peak REAL NOT NULL DEFAULT 0,
			cooldown_until DATETIME,
			cooldown_reason TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// OrderBlockRepository Implementation

func (s *SQLiteStore) SaveOrderBlock(ctx context.Context, ob *domain.OrderBlock) error {
	query := `INSERT INTO order_blocks (id, symbol, timeframe, type, range_top, range_bottom, confirmed_at, breakout_price, confidence, volume_aggregate, creation_index, is_active, is_broken, is_processed, processed_reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		ob.ID, ob.Symbol, ob.Timeframe, ob.Type, ob.RangeTop, ob.RangeBottom,
		ob.ConfirmedAt, ob.BreakoutPrice, ob.Confidence, ob.VolumeAggregate, ob.CreationIndex,
		ob.IsActive, ob.IsBroken, ob.IsProcessed, ob.ProcessedReason, ob.CreatedAt)
	return err
}

func (s *SQLiteStore) GetLiveOrderBlocks(ctx context.Context, symbol, timeframe string) ([]*domain.OrderBlock, error) {
	query := `SELECT id, symbol, timeframe, type, range_top, range_bottom, confirmed_at, breakout_price, confidence, volume_aggregate, creation_index, is_active, is_broken, is_processed, processed_reason, created_at
			  FROM order_blocks
			  WHERE symbol = ? AND timeframe = ? AND is_active = 1 AND is_processed = 0 AND is_broken = 0
			  ORDER BY confirmed_at DESC`
	rows, err := s.db.QueryContext(ctx, query, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*domain.OrderBlock
	for rows.Next() {
		var ob domain.OrderBlock
		if err := rows.Scan(&ob.ID, &ob.Symbol, &ob.Timeframe, &ob.Type, &ob.RangeTop, &ob.RangeBottom,
			&ob.ConfirmedAt, &ob.BreakoutPrice, &ob.Confidence, &ob.VolumeAggregate, &ob.CreationIndex,
			&ob.IsActive, &ob.IsBroken, &ob.IsProcessed, &ob.ProcessedReason, &ob.CreatedAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, &ob)
	}
	return blocks, rows.Err()
}

func (s *SQLiteStore) HasOrderBlock(ctx context.Context, symbol, timeframe string, obType domain.OBType, confirmedAt time.Time) (bool, error) {
	query := `SELECT COUNT(1) FROM order_blocks WHERE symbol = ? AND timeframe = ? AND type = ? AND confirmed_at = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, query, symbol, timeframe, obType, confirmedAt).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, id string, reason domain.ProcessedReason) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE order_blocks SET is_processed = 1, processed_reason = ? WHERE id = ?`, reason, id)
	return err
}

func (s *SQLiteStore) MarkBroken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE order_blocks SET is_broken = 1, is_active = 0 WHERE id = ?`, id)
	return err
}

// PositionRepository Implementation

// CreatePosition inserts only when no PENDING or OPEN position exists for
// the symbol. The guard runs inside the insert statement itself, so two
// concurrent entry cycles cannot both succeed.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p *domain.Position) error {
	query := `INSERT INTO positions (id, symbol, side, status, avg_entry_price, size, stop_loss, stop_loss_order_id, liquidation_price, leverage, margin, addition_count, related_ob_id, last_ob_bottom, last_ob_top, open_time, exit_time, exit_price, exit_reason, pnl, last_checked, last_price, unrealized_pnl)
			  SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, '', 0, NULL, 0, 0
			  WHERE NOT EXISTS (
				  SELECT 1 FROM positions WHERE symbol = ? AND status IN ('PENDING', 'OPEN')
			  )`
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.Symbol, p.Side, p.Status, p.AvgEntryPrice, p.Size, p.StopLoss, p.StopLossOrderID,
		p.LiquidationPrice, p.Leverage, p.Margin, p.AdditionCount, p.RelatedOBID, p.LastOBBottom, p.LastOBTop,
		nullableTime(p.OpenTime), p.Symbol)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrPositionExists
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *domain.Position) error {
	query := `UPDATE positions SET
			  status = ?, avg_entry_price = ?, size = ?, stop_loss = ?, stop_loss_order_id = ?,
			  liquidation_price = ?, margin = ?, addition_count = ?, related_ob_id = ?,
			  last_ob_bottom = ?, last_ob_top = ?, open_time = ?, exit_time = ?, exit_price = ?,
			  exit_reason = ?, pnl = ?, last_checked = ?, last_price = ?, unrealized_pnl = ?
			  WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		p.Status, p.AvgEntryPrice, p.Size, p.StopLoss, p.StopLossOrderID,
		p.LiquidationPrice, p.Margin, p.AdditionCount, p.RelatedOBID,
		p.LastOBBottom, p.LastOBTop, nullableTime(p.OpenTime), nullableTime(p.ExitTime), p.ExitPrice,
		p.ExitReason, p.PnL, nullableTime(p.LastChecked), p.LastPrice, p.UnrealizedPnL,
		p.ID)
	return err
}

func (s *SQLiteStore) GetOpenPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	query := positionSelect + ` WHERE symbol = ? AND status IN ('PENDING', 'OPEN') LIMIT 1`
	p, err := scanPosition(s.db.QueryRowContext(ctx, query, symbol))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*domain.Position, error) {
	query := positionSelect + ` WHERE status = 'CLOSED' AND exit_time >= ? ORDER BY exit_time DESC`
	return s.queryPositions(ctx, query, since)
}

func (s *SQLiteStore) GetRecentClosedPositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	query := positionSelect + ` WHERE status = 'CLOSED' ORDER BY exit_time DESC LIMIT ?`
	return s.queryPositions(ctx, query, limit)
}

const positionSelect = `SELECT id, symbol, side, status, avg_entry_price, size, stop_loss, stop_loss_order_id, liquidation_price, leverage, margin, addition_count, related_ob_id, last_ob_bottom, last_ob_top, open_time, exit_time, exit_price, exit_reason, pnl, last_checked, last_price, unrealized_pnl FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var openTime, exitTime, lastChecked sql.NullTime
	err := row.Scan(&p.ID, &p.Symbol, &p.Side, &p.Status, &p.AvgEntryPrice, &p.Size, &p.StopLoss,
		&p.StopLossOrderID, &p.LiquidationPrice, &p.Leverage, &p.Margin, &p.AdditionCount,
		&p.RelatedOBID, &p.LastOBBottom, &p.LastOBTop, &openTime, &exitTime, &p.ExitPrice,
		&p.ExitReason, &p.PnL, &lastChecked, &p.LastPrice, &p.UnrealizedPnL)
	if err != nil {
		return nil, err
	}
	if openTime.Valid {
		p.OpenTime = openTime.Time
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if lastChecked.Valid {
		p.LastChecked = lastChecked.Time
	}
	return &p, nil
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// TradeLogRepository Implementation

func (s *SQLiteStore) SaveTradeLog(ctx context.Context, e *domain.TradeLogEntry) error {
	query := `INSERT INTO trade_log (timestamp, event_type, symbol, side, price, size, fee, position_id, pnl, exit_reason, ob_id, ob_confidence)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.Timestamp, e.EventType, e.Symbol, e.Side, e.Price, e.Size, e.Fee,
		e.PositionID, e.PnL, e.ExitReason, e.OBID, e.OBConfidence)
	return err
}

func (s *SQLiteStore) ListTradeLog(ctx context.Context, limit int) ([]*domain.TradeLogEntry, error) {
	query := `SELECT id, timestamp, event_type, symbol, side, price, size, fee, position_id, pnl, exit_reason, ob_id, ob_confidence
			  FROM trade_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.TradeLogEntry
	for rows.Next() {
		var e domain.TradeLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.Symbol, &e.Side, &e.Price, &e.Size,
			&e.Fee, &e.PositionID, &e.PnL, &e.ExitReason, &e.OBID, &e.OBConfidence); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ProtectionRepository Implementation

func (s *SQLiteStore) GetProtectionState(ctx context.Context) (*domain.ProtectionState, error) {
	query := `SELECT account_peak, cooldown_until, cooldown_reason, updated_at FROM protection_state WHERE id = 1`
	var st domain.ProtectionState
	var cooldownUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, query).Scan(&st.AccountPeak, &cooldownUntil, &st.CooldownReason, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return &domain.ProtectionState{}, nil
	}
	if err != nil {
		return nil, err
	}
	if cooldownUntil.Valid {
		st.CooldownUntil = cooldownUntil.Time
	}
	return &st, nil
}

func (s *SQLiteStore) SaveProtectionState(ctx context.Context, st *domain.ProtectionState) error {
	query := `INSERT INTO protection_state (id, account_peak, cooldown_until, cooldown_reason, updated_at)
			  VALUES (1, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  account_peak=excluded.account_peak,
			  cooldown_until=excluded.cooldown_until,
			  cooldown_reason=excluded.cooldown_reason,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		st.AccountPeak, nullableTime(st.CooldownUntil), st.CooldownReason, st.UpdatedAt)
	return err
}
