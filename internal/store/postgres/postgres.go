package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"nyamapos/backend/internal/domain"
	"nyamapos/backend/internal/recon"
	"nyamapos/backend/internal/store"
	"nyamapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context, branchID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, name, category, price_per_kg, stock_kg, active, created_at
		FROM products
		WHERE active = true AND ($1 = '' OR branch_id = $1)
		ORDER BY category, name
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.BranchID, &p.Name, &p.Category, &p.PricePerKg, &p.StockKg, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, name, category, price_per_kg, stock_kg, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.BranchID, &p.Name, &p.Category, &p.PricePerKg, &p.StockKg, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, name, category, price_per_kg, stock_kg, active, created_at
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.BranchID, &p.Name, &p.Category, &p.PricePerKg, &p.StockKg, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.PricePerKg <= 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, branch_id, name, category, price_per_kg, stock_kg, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, product.ID, product.BranchID, product.Name, product.Category, product.PricePerKg, product.StockKg, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Category == "" || product.PricePerKg <= 0 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_per_kg = $4, active = $5, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.PricePerKg, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift, entries []domain.ShiftStockEntry) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierID) == "" || strings.TrimSpace(shift.BranchID) == "" {
		return nil, store.ErrValidation
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	if shift.ShiftDate == "" {
		shift.ShiftDate = shift.OpenedAt.Format("2006-01-02")
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.DeclaredCash = 0
	shift.DeclaredMpesa = 0
	shift.ApprovedBy = ""

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shifts (
			id, cashier_id, branch_id, status, shift_date, opened_at,
			closed_at, declared_cash, declared_mpesa, approved_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, shift.ID, shift.CashierID, shift.BranchID, shift.Status, shift.ShiftDate, shift.OpenedAt,
		nullTime(shift.ClosedAt), shift.DeclaredCash, shift.DeclaredMpesa, shift.ApprovedBy)
	if err != nil {
		// The partial unique index on open shifts turns a second concurrent
		// open into a unique violation.
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = xid.New("entry")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO shift_stock_entries (
				id, shift_id, product_id, branch_id, shift_date,
				opening_stock, added_stock, sold_stock, closing_stock, variance
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, entry.ID, shift.ID, entry.ProductID, shift.BranchID, shift.ShiftDate,
			entry.OpeningStock, entry.AddedStock, entry.SoldStock, entry.ClosingStock, entry.Variance)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := shift
	return &saved, nil
}

func (s *Store) GetShiftByID(ctx context.Context, id string) (*domain.Shift, error) {
	return s.getShift(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) GetActiveShift(ctx context.Context, cashierID string, branchID string) (*domain.Shift, error) {
	return s.getShift(ctx, s.db, `WHERE cashier_id = $1 AND branch_id = $2 AND status = 'open'`, cashierID, branchID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getShift(ctx context.Context, q querier, where string, args ...any) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAtNull sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, cashier_id, branch_id, status, shift_date, opened_at,
			closed_at, declared_cash, declared_mpesa, approved_by
		FROM shifts
		`+where+`
		LIMIT 1
	`, args...).Scan(
		&shift.ID,
		&shift.CashierID,
		&shift.BranchID,
		&shift.Status,
		&shift.ShiftDate,
		&shift.OpenedAt,
		&closedAtNull,
		&shift.DeclaredCash,
		&shift.DeclaredMpesa,
		&shift.ApprovedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAtNull.Valid {
		at := closedAtNull.Time.UTC()
		shift.ClosedAt = &at
	}
	return &shift, nil
}

func (s *Store) LatestClosingStocks(ctx context.Context, branchID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (e.product_id) e.product_id, e.closing_stock
		FROM shift_stock_entries e
		JOIN shifts sh ON sh.id = e.shift_id
		WHERE sh.branch_id = $1 AND sh.status <> 'open' AND sh.closed_at IS NOT NULL
		ORDER BY e.product_id, sh.closed_at DESC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stocks := make(map[string]float64)
	for rows.Next() {
		var productID string
		var closing float64
		if err := rows.Scan(&productID, &closing); err != nil {
			return nil, err
		}
		stocks[productID] = closing
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stocks, nil
}

func (s *Store) ListStockEntries(ctx context.Context, shiftID string) ([]domain.ShiftStockEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM shifts WHERE id = $1)`, shiftID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return s.listEntries(ctx, s.db, shiftID, false)
}

type queryerCtx interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) listEntries(ctx context.Context, q queryerCtx, shiftID string, forUpdate bool) ([]domain.ShiftStockEntry, error) {
	query := `
		SELECT id, shift_id, product_id, branch_id, shift_date,
			opening_stock, added_stock, sold_stock, closing_stock, variance
		FROM shift_stock_entries
		WHERE shift_id = $1
		ORDER BY product_id
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.ShiftStockEntry, 0, 32)
	for rows.Next() {
		var e domain.ShiftStockEntry
		if err := rows.Scan(&e.ID, &e.ShiftID, &e.ProductID, &e.BranchID, &e.ShiftDate,
			&e.OpeningStock, &e.AddedStock, &e.SoldStock, &e.ClosingStock, &e.Variance); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// lockOpenShift loads the shift row under FOR UPDATE so concurrent mutations
// and the close transaction serialize against each other.
func lockOpenShift(ctx context.Context, tx *sql.Tx, shiftID string) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAtNull sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, cashier_id, branch_id, status, shift_date, opened_at,
			closed_at, declared_cash, declared_mpesa, approved_by
		FROM shifts
		WHERE id = $1
		FOR UPDATE
	`, shiftID).Scan(
		&shift.ID,
		&shift.CashierID,
		&shift.BranchID,
		&shift.Status,
		&shift.ShiftDate,
		&shift.OpenedAt,
		&closedAtNull,
		&shift.DeclaredCash,
		&shift.DeclaredMpesa,
		&shift.ApprovedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAtNull.Valid {
		at := closedAtNull.Time.UTC()
		shift.ClosedAt = &at
	}
	return &shift, nil
}

func (s *Store) AddStock(ctx context.Context, addition domain.StockAddition, seed domain.ShiftStockEntry) (*domain.ShiftStockEntry, error) {
	if addition.QuantityKg <= 0 {
		return nil, store.ErrValidation
	}
	if addition.ID == "" {
		addition.ID = xid.New("add")
	}
	if addition.CreatedAt.IsZero() {
		addition.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockOpenShift(ctx, tx, addition.ShiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrInvalidState
	}

	var productExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, addition.ProductID).Scan(&productExists); err != nil {
		return nil, err
	}
	if !productExists {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_additions (id, shift_id, product_id, quantity_kg, supplier, batch, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, addition.ID, addition.ShiftID, addition.ProductID, addition.QuantityKg,
		addition.Supplier, addition.Batch, addition.Notes, addition.CreatedAt)
	if err != nil {
		return nil, err
	}

	entryID := seed.ID
	if entryID == "" {
		entryID = xid.New("entry")
	}
	var entry domain.ShiftStockEntry
	err = tx.QueryRowContext(ctx, `
		INSERT INTO shift_stock_entries (
			id, shift_id, product_id, branch_id, shift_date,
			opening_stock, added_stock, sold_stock, closing_stock, variance
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,0)
		ON CONFLICT (shift_id, product_id) DO UPDATE
		SET added_stock = shift_stock_entries.added_stock + EXCLUDED.added_stock
		RETURNING id, shift_id, product_id, branch_id, shift_date,
			opening_stock, added_stock, sold_stock, closing_stock, variance
	`, entryID, shift.ID, addition.ProductID, shift.BranchID, shift.ShiftDate,
		seed.OpeningStock, addition.QuantityKg).Scan(
		&entry.ID, &entry.ShiftID, &entry.ProductID, &entry.BranchID, &entry.ShiftDate,
		&entry.OpeningStock, &entry.AddedStock, &entry.SoldStock, &entry.ClosingStock, &entry.Variance)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockOpenShift(ctx, tx, sale.ShiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrInvalidState
	}
	sale.CashierID = shift.CashierID
	sale.BranchID = shift.BranchID

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, shift_id, cashier_id, branch_id, items, discount, subtotal, total, payment_method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.ShiftID, sale.CashierID, sale.BranchID, itemsJSON,
		sale.Discount, sale.Subtotal, sale.Total, sale.PaymentMethod, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO shift_stock_entries (
				id, shift_id, product_id, branch_id, shift_date,
				opening_stock, added_stock, sold_stock, closing_stock, variance
			)
			VALUES ($1,$2,$3,$4,$5,0,0,$6,0,0)
			ON CONFLICT (shift_id, product_id) DO UPDATE
			SET sold_stock = shift_stock_entries.sold_stock + EXCLUDED.sold_stock
		`, xid.New("entry"), shift.ID, item.ProductID, shift.BranchID, shift.ShiftDate, item.WeightKg)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := sale
	return &saved, nil
}

func (s *Store) CloseShift(ctx context.Context, params store.CloseShiftParams) (*store.CloseShiftResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockOpenShift(ctx, tx, params.ShiftID)
	if err != nil {
		return nil, err
	}

	if shift.Status != domain.ShiftStatusOpen {
		entries, err := s.listEntries(ctx, tx, shift.ID, false)
		if err != nil {
			return nil, err
		}
		expenses, err := s.listExpensesTx(ctx, tx, shift.ID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &store.CloseShiftResult{
			Shift:         *shift,
			Entries:       entries,
			Expenses:      expenses,
			AlreadyClosed: true,
		}, nil
	}

	closedAt := params.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	entries, err := s.listEntries(ctx, tx, shift.ID, true)
	if err != nil {
		return nil, err
	}
	finalized := recon.FinalizeEntries(entries, params.PhysicalCounts)
	for _, entry := range finalized {
		_, err = tx.ExecContext(ctx, `
			UPDATE shift_stock_entries
			SET closing_stock = $2, variance = $3
			WHERE id = $1
		`, entry.ID, entry.ClosingStock, entry.Variance)
		if err != nil {
			return nil, err
		}
	}

	expenses := make([]domain.Expense, 0, len(params.Expenses))
	for _, expense := range params.Expenses {
		if expense.ID == "" {
			expense.ID = xid.New("exp")
		}
		expense.ShiftID = shift.ID
		expense.Status = domain.ExpenseStatusPending
		if expense.CreatedAt.IsZero() {
			expense.CreatedAt = closedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO expenses (id, shift_id, category, amount, payment_method, description, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, expense.ID, expense.ShiftID, expense.Category, expense.Amount,
			expense.PaymentMethod, expense.Description, expense.Status, expense.CreatedAt)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, expense)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE shifts
		SET status = 'pending_review', declared_cash = $2, declared_mpesa = $3, closed_at = $4
		WHERE id = $1
	`, shift.ID, params.DeclaredCash, params.DeclaredMpesa, closedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	shift.Status = domain.ShiftStatusPendingReview
	shift.DeclaredCash = params.DeclaredCash
	shift.DeclaredMpesa = params.DeclaredMpesa
	shift.ClosedAt = &closedAt

	return &store.CloseShiftResult{
		Shift:    *shift,
		Entries:  finalized,
		Expenses: expenses,
	}, nil
}

func (s *Store) ApproveShift(ctx context.Context, shiftID string, adminID string, at time.Time) (*domain.Shift, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockOpenShift(ctx, tx, shiftID)
	if err != nil {
		return nil, false, err
	}
	if shift.Status == domain.ShiftStatusOpen {
		return nil, false, store.ErrInvalidState
	}
	if shift.Status == domain.ShiftStatusApproved {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return shift, true, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE shifts SET status = 'approved', approved_by = $2 WHERE id = $1
	`, shift.ID, adminID)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE expenses SET status = 'approved' WHERE shift_id = $1 AND status = 'pending'
	`, shift.ID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	shift.Status = domain.ShiftStatusApproved
	shift.ApprovedBy = adminID
	return shift, false, nil
}

func (s *Store) ListClosedShifts(ctx context.Context, branchID string, limit int) ([]domain.Shift, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cashier_id, branch_id, status, shift_date, opened_at,
			closed_at, declared_cash, declared_mpesa, approved_by
		FROM shifts
		WHERE status <> 'open' AND ($1 = '' OR branch_id = $1)
		ORDER BY closed_at DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, limit)
	for rows.Next() {
		var shift domain.Shift
		var closedAtNull sql.NullTime
		if err := rows.Scan(&shift.ID, &shift.CashierID, &shift.BranchID, &shift.Status, &shift.ShiftDate,
			&shift.OpenedAt, &closedAtNull, &shift.DeclaredCash, &shift.DeclaredMpesa, &shift.ApprovedBy); err != nil {
			return nil, err
		}
		shift.OpenedAt = shift.OpenedAt.UTC()
		if closedAtNull.Valid {
			at := closedAtNull.Time.UTC()
			shift.ClosedAt = &at
		}
		shifts = append(shifts, shift)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shifts, nil
}

func (s *Store) ListSales(ctx context.Context, shiftID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, cashier_id, branch_id, items, discount, subtotal, total, payment_method, created_at
		FROM sales
		WHERE shift_id = $1
		ORDER BY created_at
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		var sale domain.Sale
		var itemsJSON []byte
		if err := rows.Scan(&sale.ID, &sale.ShiftID, &sale.CashierID, &sale.BranchID, &itemsJSON,
			&sale.Discount, &sale.Subtotal, &sale.Total, &sale.PaymentMethod, &sale.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(itemsJSON, &sale.Items); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ListStockAdditions(ctx context.Context, shiftID string) ([]domain.StockAddition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, product_id, quantity_kg, supplier, batch, notes, created_at
		FROM stock_additions
		WHERE shift_id = $1
		ORDER BY created_at
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	additions := make([]domain.StockAddition, 0, 16)
	for rows.Next() {
		var a domain.StockAddition
		if err := rows.Scan(&a.ID, &a.ShiftID, &a.ProductID, &a.QuantityKg, &a.Supplier, &a.Batch, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		additions = append(additions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return additions, nil
}

func (s *Store) ListExpenses(ctx context.Context, shiftID string) ([]domain.Expense, error) {
	return s.listExpensesTx(ctx, s.db, shiftID)
}

func (s *Store) listExpensesTx(ctx context.Context, q queryerCtx, shiftID string) ([]domain.Expense, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, shift_id, category, amount, payment_method, description, status, created_at
		FROM expenses
		WHERE shift_id = $1
		ORDER BY created_at
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 8)
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.ShiftID, &e.Category, &e.Amount, &e.PaymentMethod, &e.Description, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) GetExpenseByID(ctx context.Context, id string) (*domain.Expense, error) {
	var e domain.Expense
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shift_id, category, amount, payment_method, description, status, created_at
		FROM expenses
		WHERE id = $1
	`, id).Scan(&e.ID, &e.ShiftID, &e.Category, &e.Amount, &e.PaymentMethod, &e.Description, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *Store) UpdateExpenseStatus(ctx context.Context, id string, status string) (*domain.Expense, error) {
	var e domain.Expense
	err := s.db.QueryRowContext(ctx, `
		UPDATE expenses
		SET status = $2
		WHERE id = $1
		RETURNING id, shift_id, category, amount, payment_method, description, status, created_at
	`, id, status).Scan(&e.ID, &e.ShiftID, &e.Category, &e.Amount, &e.PaymentMethod, &e.Description, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *Store) ListClosedEntriesByBranchDate(ctx context.Context, branchID string, shiftDate string) ([]domain.StockSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.shift_id, e.product_id, e.branch_id, e.shift_date,
			e.opening_stock, e.added_stock, e.sold_stock, e.closing_stock, e.variance,
			COALESCE(p.name, ''), COALESCE(p.category, '')
		FROM shift_stock_entries e
		JOIN shifts sh ON sh.id = e.shift_id
		LEFT JOIN products p ON p.id = e.product_id
		WHERE sh.branch_id = $1 AND sh.shift_date = $2 AND sh.status <> 'open'
		ORDER BY e.shift_id, e.product_id
	`, branchID, shiftDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockSummary, 0, 64)
	for rows.Next() {
		var summary domain.StockSummary
		if err := rows.Scan(&summary.ID, &summary.ShiftID, &summary.ProductID, &summary.BranchID, &summary.ShiftDate,
			&summary.OpeningStock, &summary.AddedStock, &summary.SoldStock, &summary.ClosingStock, &summary.Variance,
			&summary.ProductName, &summary.ProductCategory); err != nil {
			return nil, err
		}
		summary.Classification = recon.Classify(summary.Variance)
		result = append(result, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, nullTimeValue(from), nullTimeValue(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTimeValue(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
