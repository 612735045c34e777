package store

import (
	"context"
	"errors"
	"time"

	"nyamapos/backend/internal/domain"
)

var (
	// ErrNotFound indicates a referenced shift/product/expense does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness/singleton violation, e.g. a second
	// open shift for the same cashier and branch.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState indicates an operation against a shift in the wrong
	// lifecycle state.
	ErrInvalidState = errors.New("invalid shift state")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

type CloseShiftParams struct {
	ShiftID        string
	PhysicalCounts map[string]float64
	DeclaredCash   float64
	DeclaredMpesa  float64
	Expenses       []domain.Expense
	ClosedAt       time.Time
}

type CloseShiftResult struct {
	Shift         domain.Shift
	Entries       []domain.ShiftStockEntry
	Expenses      []domain.Expense
	AlreadyClosed bool
}

type Repository interface {
	ListProducts(ctx context.Context, branchID string) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// CreateShift persists the shift and its seeded stock entries in one
	// write. Fails with ErrConflict when an open shift already exists for
	// the same cashier and branch.
	CreateShift(ctx context.Context, shift domain.Shift, entries []domain.ShiftStockEntry) (*domain.Shift, error)
	GetShiftByID(ctx context.Context, id string) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, cashierID string, branchID string) (*domain.Shift, error)
	// LatestClosingStocks returns, per product, the closing stock of the most
	// recently closed shift in the branch. Products with no prior closed
	// shift are absent from the map.
	LatestClosingStocks(ctx context.Context, branchID string) (map[string]float64, error)

	ListStockEntries(ctx context.Context, shiftID string) ([]domain.ShiftStockEntry, error)
	// AddStock appends the addition and increments the matching entry's
	// added_stock atomically, creating the entry from seed when the product
	// joined the catalog mid-shift. Fails with ErrInvalidState unless the
	// shift is open.
	AddStock(ctx context.Context, addition domain.StockAddition, seed domain.ShiftStockEntry) (*domain.ShiftStockEntry, error)
	// RecordSale persists the immutable sale and increments sold_stock for
	// each line item atomically. Fails with ErrInvalidState unless the shift
	// is open.
	RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// CloseShift finalizes counts, variance and expenses in a single
	// transaction. Closing a shift already past OPEN is a no-op that returns
	// the stored rows with AlreadyClosed set.
	CloseShift(ctx context.Context, params CloseShiftParams) (*CloseShiftResult, error)
	// ApproveShift transitions pending_review to approved and marks pending
	// expenses approved. Re-approving returns the stored shift with the bool
	// set; approving an open shift fails with ErrInvalidState.
	ApproveShift(ctx context.Context, shiftID string, adminID string, at time.Time) (*domain.Shift, bool, error)

	// ListClosedShifts returns non-open shifts for the branch, most recently
	// closed first.
	ListClosedShifts(ctx context.Context, branchID string, limit int) ([]domain.Shift, error)

	ListSales(ctx context.Context, shiftID string) ([]domain.Sale, error)
	ListStockAdditions(ctx context.Context, shiftID string) ([]domain.StockAddition, error)

	ListExpenses(ctx context.Context, shiftID string) ([]domain.Expense, error)
	GetExpenseByID(ctx context.Context, id string) (*domain.Expense, error)
	UpdateExpenseStatus(ctx context.Context, id string, status string) (*domain.Expense, error)

	// ListClosedEntriesByBranchDate returns stock entries joined with product
	// metadata for non-open shifts on the given branch and shift date.
	ListClosedEntriesByBranchDate(ctx context.Context, branchID string, shiftDate string) ([]domain.StockSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
