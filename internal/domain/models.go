package domain

import "time"

type Product struct {
	ID         string    `json:"id"`
	BranchID   string    `json:"branch_id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PricePerKg float64   `json:"price_per_kg"`
	StockKg    float64   `json:"stock_kg"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	BranchID   string  `json:"branch_id"`
	Name       string  `json:"name" validate:"required"`
	Category   string  `json:"category" validate:"required"`
	PricePerKg float64 `json:"price_per_kg" validate:"gt=0"`
	StockKg    float64 `json:"stock_kg" validate:"gte=0"`
}

type ProductUpdateRequest struct {
	Name       *string  `json:"name,omitempty"`
	Category   *string  `json:"category,omitempty"`
	PricePerKg *float64 `json:"price_per_kg,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

const (
	ShiftStatusOpen          = "open"
	ShiftStatusPendingReview = "pending_review"
	ShiftStatusApproved      = "approved"
)

const (
	PaymentCash  = "cash"
	PaymentMpesa = "mpesa"
)

type Shift struct {
	ID            string     `json:"id"`
	CashierID     string     `json:"cashier_id"`
	BranchID      string     `json:"branch_id"`
	Status        string     `json:"status"`
	ShiftDate     string     `json:"shift_date"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	DeclaredCash  float64    `json:"declared_cash"`
	DeclaredMpesa float64    `json:"declared_mpesa"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
}

// ShiftStockEntry tracks one product's movement through one shift.
// All quantities are decimal kilograms. At most one entry exists per
// (shift_id, product_id).
type ShiftStockEntry struct {
	ID           string  `json:"id"`
	ShiftID      string  `json:"shift_id"`
	ProductID    string  `json:"product_id"`
	BranchID     string  `json:"branch_id"`
	ShiftDate    string  `json:"shift_date"`
	OpeningStock float64 `json:"opening_stock"`
	AddedStock   float64 `json:"added_stock"`
	SoldStock    float64 `json:"sold_stock"`
	ClosingStock float64 `json:"closing_stock"`
	Variance     float64 `json:"variance"`
}

// StockAddition is an immutable record of stock received during a shift.
// It is only ever summed into ShiftStockEntry.AddedStock.
type StockAddition struct {
	ID         string    `json:"id"`
	ShiftID    string    `json:"shift_id"`
	ProductID  string    `json:"product_id"`
	QuantityKg float64   `json:"quantity_kg"`
	Supplier   string    `json:"supplier,omitempty"`
	Batch      string    `json:"batch,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type StockAdditionRequest struct {
	ShiftID    string  `json:"shift_id" validate:"required"`
	ProductID  string  `json:"product_id" validate:"required"`
	QuantityKg float64 `json:"quantity_kg" validate:"gt=0"`
	Supplier   string  `json:"supplier"`
	Batch      string  `json:"batch"`
	Notes      string  `json:"notes"`
}

type StockAdditionResponse struct {
	Addition StockAddition   `json:"addition"`
	Entry    ShiftStockEntry `json:"entry"`
}

type SaleItem struct {
	ProductID  string  `json:"product_id" validate:"required"`
	WeightKg   float64 `json:"weight_kg" validate:"gt=0"`
	PricePerKg float64 `json:"price_per_kg" validate:"gt=0"`
	LineTotal  float64 `json:"line_total"`
}

// Sale is an immutable record of a completed transaction. Once persisted it is
// never updated; it drives sold_stock increments and the declared payment totals.
type Sale struct {
	ID            string     `json:"id"`
	ShiftID       string     `json:"shift_id"`
	CashierID     string     `json:"cashier_id"`
	BranchID      string     `json:"branch_id"`
	Items         []SaleItem `json:"items"`
	Discount      float64    `json:"discount"`
	Subtotal      float64    `json:"subtotal"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"payment_method"`
	CreatedAt     time.Time  `json:"created_at"`
}

type SaleRequest struct {
	ShiftID       string     `json:"shift_id"`
	Items         []SaleItem `json:"items" validate:"required,min=1,dive"`
	Discount      float64    `json:"discount" validate:"gte=0"`
	Subtotal      float64    `json:"subtotal" validate:"gte=0"`
	Total         float64    `json:"total" validate:"gte=0"`
	PaymentMethod string     `json:"payment_method" validate:"required,oneof=cash mpesa"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

const (
	ExpenseStatusPending  = "pending"
	ExpenseStatusApproved = "approved"
	ExpenseStatusRejected = "rejected"
)

const (
	ExpenseCategoryTransport = "transport"
	ExpenseCategorySupplies  = "supplies"
	ExpenseCategoryRepairs   = "repairs"
	ExpenseCategoryOther     = "other"
)

// Expense is append-only except for its status, which only an admin may change.
type Expense struct {
	ID            string    `json:"id"`
	ShiftID       string    `json:"shift_id"`
	Category      string    `json:"category"`
	Amount        float64   `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	Description   string    `json:"description,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type ExpenseInput struct {
	Category      string  `json:"category" validate:"required,oneof=transport supplies repairs other"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	PaymentMethod string  `json:"payment_method" validate:"required,oneof=cash mpesa"`
	Description   string  `json:"description"`
}

type ExpenseReviewRequest struct {
	Status string `json:"status" validate:"required,oneof=approved rejected"`
}

type ExpenseResponse struct {
	Expense Expense `json:"expense"`
}

type OpenShiftRequest struct {
	BranchID string `json:"branch_id"`
}

type ShiftResponse struct {
	Shift   Shift             `json:"shift"`
	Entries []ShiftStockEntry `json:"entries,omitempty"`
}

type CloseShiftRequest struct {
	PhysicalCounts map[string]float64 `json:"physical_counts"`
	DeclaredCash   float64            `json:"declared_cash" validate:"gte=0"`
	DeclaredMpesa  float64            `json:"declared_mpesa" validate:"gte=0"`
	Expenses       []ExpenseInput     `json:"expenses" validate:"dive"`
}

// ReconciliationSummary is derived from a shift's stock entries and expenses
// at read time; it is never stored as primary data.
type ReconciliationSummary struct {
	ShiftID        string            `json:"shift_id"`
	BranchID       string            `json:"branch_id"`
	CashierID      string            `json:"cashier_id"`
	ShiftDate      string            `json:"shift_date"`
	Status         string            `json:"status"`
	TotalOpening   float64           `json:"total_opening"`
	TotalAdded     float64           `json:"total_added"`
	TotalSold      float64           `json:"total_sold"`
	TotalClosing   float64           `json:"total_closing"`
	TotalVariance  float64           `json:"total_variance"`
	DeclaredCash   float64           `json:"declared_cash"`
	DeclaredMpesa  float64           `json:"declared_mpesa"`
	CashExpenses   float64           `json:"cash_expenses"`
	MpesaExpenses  float64           `json:"mpesa_expenses"`
	NetCash        float64           `json:"net_cash"`
	NetMpesa       float64           `json:"net_mpesa"`
	HasDiscrepancy bool              `json:"has_discrepancy"`
	Entries        []ShiftStockEntry `json:"entries"`
}

// StockSummary is a ShiftStockEntry joined with product metadata, used by the
// branch/date variance dashboards.
type StockSummary struct {
	ShiftStockEntry
	ProductName     string `json:"product_name"`
	ProductCategory string `json:"product_category"`
	Classification  string `json:"classification"`
}

type StockSummaryResponse struct {
	BranchID  string         `json:"branch_id"`
	ShiftDate string         `json:"shift_date"`
	Items     []StockSummary `json:"items"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
