package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const schema = `
CREATE TABLE IF NOT EXISTS stock_levels (
	variant_id      VARCHAR(64) NOT NULL,
	location_id     VARCHAR(64) NOT NULL,
	stock_on_hand   INT NOT NULL DEFAULT 0,
	stock_allocated INT NOT NULL DEFAULT 0,
	updated_at      DATETIME(6) NOT NULL,
	PRIMARY KEY (variant_id, location_id)
);
CREATE TABLE IF NOT EXISTS stock_movements (
	id            VARCHAR(64) NOT NULL PRIMARY KEY,
	type          VARCHAR(32) NOT NULL,
	variant_id    VARCHAR(64) NOT NULL,
	location_id   VARCHAR(64) NOT NULL,
	quantity      INT NOT NULL,
	order_id      VARCHAR(64) NOT NULL DEFAULT '',
	order_line_id VARCHAR(64) NOT NULL DEFAULT '',
	created_at    DATETIME(6) NOT NULL,
	KEY idx_stock_movements_order (order_id, created_at)
)`

// Open connects to MySQL with parsed times, matched-row counts and multi-statement support for
// Migrate.
func Open(dsn string, maxOpenConns int) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.MultiStatements = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

// StockRepository stores stock levels in MySQL and enforces availability with conditional updates.
type StockRepository struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStockRepository constructs a MySQL-backed stock repository.
func NewStockRepository(db *sql.DB) (*StockRepository, error) {
	if db == nil {
		return nil, errors.New("stock repository requires mysql db")
	}
	return &StockRepository{db: db, clock: time.Now}, nil
}

// Migrate creates the stock tables when they do not exist.
func (r *StockRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return wrapError("stock.migrate", err)
	}
	return nil
}

func (r *StockRepository) Levels(ctx context.Context, variantID string) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT variant_id, location_id, stock_on_hand, stock_allocated, updated_at
		FROM stock_levels WHERE variant_id = ? ORDER BY location_id`, strings.TrimSpace(variantID))
	if err != nil {
		return nil, wrapError("stock.levels", err)
	}
	defer rows.Close()

	var levels []domain.StockLevel
	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.ProductVariantID, &level.StockLocationID, &level.StockOnHand, &level.StockAllocated, &level.UpdatedAt); err != nil {
			return nil, wrapError("stock.levels", err)
		}
		levels = append(levels, level)
	}
	return levels, wrapError("stock.levels", rows.Err())
}

func (r *StockRepository) ListMovements(ctx context.Context, orderID string) ([]domain.StockMovement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, variant_id, location_id, quantity, order_id, order_line_id, created_at
		FROM stock_movements WHERE order_id = ? ORDER BY created_at, id`, strings.TrimSpace(orderID))
	if err != nil {
		return nil, wrapError("stock.movements", err)
	}
	defer rows.Close()

	var movements []domain.StockMovement
	for rows.Next() {
		var mv domain.StockMovement
		var movementType string
		if err := rows.Scan(&mv.ID, &movementType, &mv.ProductVariantID, &mv.StockLocationID, &mv.Quantity, &mv.OrderID, &mv.OrderLineID, &mv.CreatedAt); err != nil {
			return nil, wrapError("stock.movements", err)
		}
		mv.Type = domain.StockMovementType(movementType)
		movements = append(movements, mv)
	}
	return movements, wrapError("stock.movements", rows.Err())
}

// ApplyChanges applies every change in one SQL transaction. Enforced changes only update a level
// when the resulting allocation stays within stock on hand.
func (r *StockRepository) ApplyChanges(ctx context.Context, changes []repositories.StockChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("stock.apply", err)
	}
	defer tx.Rollback()

	now := r.clock().UTC()
	for _, change := range changes {
		if err := r.applyChange(ctx, tx, change, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapError("stock.apply", err)
	}
	return nil
}

func (r *StockRepository) applyChange(ctx context.Context, tx *sql.Tx, change repositories.StockChange, now time.Time) error {
	mv := change.Movement
	allocated := change.AllocatedDelta()
	onHand := change.OnHandDelta()

	if !change.Enforce {
		if _, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO stock_levels (variant_id, location_id, stock_on_hand, stock_allocated, updated_at)
			VALUES (?, ?, 0, 0, ?)`, mv.ProductVariantID, mv.StockLocationID, now); err != nil {
			return wrapError("stock.apply", err)
		}
	}

	query := `
		UPDATE stock_levels
		SET stock_allocated = stock_allocated + ?, stock_on_hand = stock_on_hand + ?, updated_at = ?
		WHERE variant_id = ? AND location_id = ? AND stock_allocated + ? >= 0`
	args := []any{allocated, onHand, now, mv.ProductVariantID, mv.StockLocationID, allocated}
	if change.Enforce {
		query += ` AND stock_allocated + ? <= stock_on_hand + ?`
		args = append(args, allocated, onHand)
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError("stock.apply", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return wrapError("stock.apply", err)
	} else if affected == 0 {
		return r.classifyRejection(ctx, tx, mv, allocated)
	}

	createdAt := mv.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, type, variant_id, location_id, quantity, order_id, order_line_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, string(mv.Type), mv.ProductVariantID, mv.StockLocationID, mv.Quantity, mv.OrderID, mv.OrderLineID, createdAt); err != nil {
		return wrapError("stock.apply", err)
	}
	return nil
}

func (r *StockRepository) classifyRejection(ctx context.Context, tx *sql.Tx, mv domain.StockMovement, allocated int) error {
	var current int
	err := tx.QueryRowContext(ctx, `
		SELECT stock_allocated FROM stock_levels WHERE variant_id = ? AND location_id = ?`,
		mv.ProductVariantID, mv.StockLocationID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return repositories.NewStockError(repositories.StockErrorLevelNotFound, mv.ProductVariantID, mv.StockLocationID)
	case err != nil:
		return wrapError("stock.apply", err)
	case current+allocated < 0:
		return repositories.NewStockError(repositories.StockErrorNegative, mv.ProductVariantID, mv.StockLocationID)
	}
	return repositories.NewStockError(repositories.StockErrorInsufficient, mv.ProductVariantID, mv.StockLocationID)
}

// wrapError classifies driver errors into repository errors.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062, 1213, 1205:
			return repositories.NewConflictError(op, err)
		}
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return repositories.NewUnavailableError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
