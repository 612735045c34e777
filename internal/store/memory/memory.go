package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"nyamapos/backend/internal/domain"
	"nyamapos/backend/internal/recon"
	"nyamapos/backend/internal/store"
	"nyamapos/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	shiftsByID       map[string]domain.Shift
	activeShiftByKey map[string]string
	entriesByShift   map[string]map[string]domain.ShiftStockEntry
	additionsByShift map[string][]domain.StockAddition
	salesByShift     map[string][]domain.Sale
	expensesByID     map[string]domain.Expense
	expensesByShift  map[string][]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD environment variables. If unset, hardcoded dev
// defaults are used with a warning printed to stdout. These credentials are
// never used in production (the backend uses PostgreSQL when DATABASE_URL is
// set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"manager", managerPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-beef", BranchID: "main-branch", Name: "Beef", Category: "beef", PricePerKg: 550, StockKg: 40, Active: true, CreatedAt: now},
		{ID: "prod-beef-bones", BranchID: "main-branch", Name: "Beef with Bones", Category: "beef", PricePerKg: 480, StockKg: 25, Active: true, CreatedAt: now},
		{ID: "prod-goat", BranchID: "main-branch", Name: "Goat Meat", Category: "goat", PricePerKg: 650, StockKg: 30, Active: true, CreatedAt: now},
		{ID: "prod-mutton", BranchID: "main-branch", Name: "Mutton", Category: "mutton", PricePerKg: 620, StockKg: 18, Active: true, CreatedAt: now},
		{ID: "prod-matumbo", BranchID: "main-branch", Name: "Matumbo", Category: "offal", PricePerKg: 300, StockKg: 15, Active: true, CreatedAt: now},
		{ID: "prod-liver", BranchID: "main-branch", Name: "Liver", Category: "offal", PricePerKg: 500, StockKg: 8, Active: true, CreatedAt: now},
		{ID: "prod-chicken", BranchID: "main-branch", Name: "Chicken", Category: "poultry", PricePerKg: 430, StockKg: 20, Active: true, CreatedAt: now},
		{ID: "prod-mince", BranchID: "main-branch", Name: "Minced Beef", Category: "beef", PricePerKg: 600, StockKg: 10, Active: true, CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:         productMap,
		shiftsByID:       make(map[string]domain.Shift),
		activeShiftByKey: make(map[string]string),
		entriesByShift:   make(map[string]map[string]domain.ShiftStockEntry),
		additionsByShift: make(map[string][]domain.StockAddition),
		salesByShift:     make(map[string][]domain.Sale),
		expensesByID:     make(map[string]domain.Expense),
		expensesByShift:  make(map[string][]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context, branchID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if branchID != "" && p.BranchID != branchID {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Category == "" || product.PricePerKg <= 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	product.Active = true
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Category == "" || product.PricePerKg <= 0 {
		return nil, store.ErrValidation
	}
	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.BranchID = existing.BranchID
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift, entries []domain.ShiftStockEntry) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierID) == "" || strings.TrimSpace(shift.BranchID) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := shiftMapKey(shift.CashierID, shift.BranchID)
	if _, exists := s.activeShiftByKey[key]; exists {
		return nil, store.ErrConflict
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

	entryMap := make(map[string]domain.ShiftStockEntry, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = xid.New("entry")
		}
		entry.ShiftID = shift.ID
		entry.BranchID = shift.BranchID
		entry.ShiftDate = shift.ShiftDate
		entryMap[entry.ProductID] = entry
	}

	s.shiftsByID[shift.ID] = shift
	s.activeShiftByKey[key] = shift.ID
	s.entriesByShift[shift.ID] = entryMap
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetShiftByID(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, exists := s.shiftsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetActiveShift(_ context.Context, cashierID string, branchID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := shiftMapKey(cashierID, branchID)
	shiftID, exists := s.activeShiftByKey[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) LatestClosingStocks(_ context.Context, branchID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closed := make([]domain.Shift, 0)
	for _, shift := range s.shiftsByID {
		if shift.BranchID != branchID || shift.Status == domain.ShiftStatusOpen || shift.ClosedAt == nil {
			continue
		}
		closed = append(closed, shift)
	}
	slices.SortFunc(closed, func(a, b domain.Shift) int {
		if a.ClosedAt.Equal(*b.ClosedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.ClosedAt.After(*b.ClosedAt) {
			return -1
		}
		return 1
	})

	stocks := make(map[string]float64)
	for _, shift := range closed {
		for productID, entry := range s.entriesByShift[shift.ID] {
			if _, seen := stocks[productID]; !seen {
				stocks[productID] = entry.ClosingStock
			}
		}
	}
	return stocks, nil
}

func (s *Store) ListStockEntries(_ context.Context, shiftID string) ([]domain.ShiftStockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.shiftsByID[shiftID]; !exists {
		return nil, store.ErrNotFound
	}
	return s.sortedEntriesLocked(shiftID), nil
}

func (s *Store) AddStock(_ context.Context, addition domain.StockAddition, seed domain.ShiftStockEntry) (*domain.ShiftStockEntry, error) {
	if addition.QuantityKg <= 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[addition.ShiftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrInvalidState
	}
	if _, exists := s.products[addition.ProductID]; !exists {
		return nil, store.ErrNotFound
	}

	if addition.ID == "" {
		addition.ID = xid.New("add")
	}
	if addition.CreatedAt.IsZero() {
		addition.CreatedAt = time.Now().UTC()
	}

	entries := s.entriesByShift[addition.ShiftID]
	entry, ok := entries[addition.ProductID]
	if !ok {
		entry = seed
		if entry.ID == "" {
			entry.ID = xid.New("entry")
		}
		entry.ShiftID = shift.ID
		entry.ProductID = addition.ProductID
		entry.BranchID = shift.BranchID
		entry.ShiftDate = shift.ShiftDate
	}
	entry.AddedStock += addition.QuantityKg
	entries[addition.ProductID] = entry

	s.additionsByShift[addition.ShiftID] = append(s.additionsByShift[addition.ShiftID], addition)
	copyEntry := entry
	return &copyEntry, nil
}

func (s *Store) RecordSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[sale.ShiftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrInvalidState
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.CashierID = shift.CashierID
	sale.BranchID = shift.BranchID

	entries := s.entriesByShift[sale.ShiftID]
	for _, item := range sale.Items {
		entry, ok := entries[item.ProductID]
		if !ok {
			entry = domain.ShiftStockEntry{
				ID:        xid.New("entry"),
				ShiftID:   shift.ID,
				ProductID: item.ProductID,
				BranchID:  shift.BranchID,
				ShiftDate: shift.ShiftDate,
			}
		}
		entry.SoldStock += item.WeightKg
		entries[item.ProductID] = entry
	}

	stored := cloneSale(sale)
	s.salesByShift[sale.ShiftID] = append(s.salesByShift[sale.ShiftID], stored)
	created := cloneSale(stored)
	return &created, nil
}

func (s *Store) CloseShift(_ context.Context, params store.CloseShiftParams) (*store.CloseShiftResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[params.ShiftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return &store.CloseShiftResult{
			Shift:         shift,
			Entries:       s.sortedEntriesLocked(shift.ID),
			Expenses:      s.expensesForShiftLocked(shift.ID),
			AlreadyClosed: true,
		}, nil
	}

	closedAt := params.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	finalized := recon.FinalizeEntries(s.sortedEntriesLocked(shift.ID), params.PhysicalCounts)
	entryMap := make(map[string]domain.ShiftStockEntry, len(finalized))
	for _, entry := range finalized {
		entryMap[entry.ProductID] = entry
	}
	s.entriesByShift[shift.ID] = entryMap

	for _, expense := range params.Expenses {
		if expense.ID == "" {
			expense.ID = xid.New("exp")
		}
		expense.ShiftID = shift.ID
		expense.Status = domain.ExpenseStatusPending
		if expense.CreatedAt.IsZero() {
			expense.CreatedAt = closedAt
		}
		s.expensesByID[expense.ID] = expense
		s.expensesByShift[shift.ID] = append(s.expensesByShift[shift.ID], expense.ID)
	}

	shift.Status = domain.ShiftStatusPendingReview
	shift.DeclaredCash = params.DeclaredCash
	shift.DeclaredMpesa = params.DeclaredMpesa
	shift.ClosedAt = &closedAt

	delete(s.activeShiftByKey, shiftMapKey(shift.CashierID, shift.BranchID))
	s.shiftsByID[shift.ID] = shift

	return &store.CloseShiftResult{
		Shift:    shift,
		Entries:  finalized,
		Expenses: s.expensesForShiftLocked(shift.ID),
	}, nil
}

func (s *Store) ApproveShift(_ context.Context, shiftID string, adminID string, at time.Time) (*domain.Shift, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, false, store.ErrNotFound
	}
	if shift.Status == domain.ShiftStatusOpen {
		return nil, false, store.ErrInvalidState
	}
	if shift.Status == domain.ShiftStatusApproved {
		copyShift := shift
		return &copyShift, true, nil
	}

	shift.Status = domain.ShiftStatusApproved
	shift.ApprovedBy = adminID
	s.shiftsByID[shiftID] = shift

	// Pending expenses ride along with the approval.
	for _, expenseID := range s.expensesByShift[shiftID] {
		expense := s.expensesByID[expenseID]
		if expense.Status == domain.ExpenseStatusPending {
			expense.Status = domain.ExpenseStatusApproved
			s.expensesByID[expenseID] = expense
		}
	}

	copyShift := shift
	return &copyShift, false, nil
}

func (s *Store) ListClosedShifts(_ context.Context, branchID string, limit int) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	closed := make([]domain.Shift, 0)
	for _, shift := range s.shiftsByID {
		if shift.Status == domain.ShiftStatusOpen || shift.ClosedAt == nil {
			continue
		}
		if branchID != "" && shift.BranchID != branchID {
			continue
		}
		closed = append(closed, shift)
	}
	slices.SortFunc(closed, func(a, b domain.Shift) int {
		if a.ClosedAt.Equal(*b.ClosedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.ClosedAt.After(*b.ClosedAt) {
			return -1
		}
		return 1
	})
	if len(closed) > limit {
		closed = closed[:limit]
	}
	return closed, nil
}

func (s *Store) ListSales(_ context.Context, shiftID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := s.salesByShift[shiftID]
	result := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		result = append(result, cloneSale(sale))
	}
	return result, nil
}

func (s *Store) ListStockAdditions(_ context.Context, shiftID string) ([]domain.StockAddition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	additions := s.additionsByShift[shiftID]
	result := make([]domain.StockAddition, len(additions))
	copy(result, additions)
	return result, nil
}

func (s *Store) ListExpenses(_ context.Context, shiftID string) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.expensesForShiftLocked(shiftID), nil
}

func (s *Store) GetExpenseByID(_ context.Context, id string) (*domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expense, exists := s.expensesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyExpense := expense
	return &copyExpense, nil
}

func (s *Store) UpdateExpenseStatus(_ context.Context, id string, status string) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense, exists := s.expensesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	expense.Status = status
	s.expensesByID[id] = expense
	copyExpense := expense
	return &copyExpense, nil
}

func (s *Store) ListClosedEntriesByBranchDate(_ context.Context, branchID string, shiftDate string) ([]domain.StockSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockSummary, 0)
	for _, shift := range s.shiftsByID {
		if shift.BranchID != branchID || shift.ShiftDate != shiftDate || shift.Status == domain.ShiftStatusOpen {
			continue
		}
		for _, entry := range s.entriesByShift[shift.ID] {
			summary := domain.StockSummary{
				ShiftStockEntry: entry,
				Classification:  recon.Classify(entry.Variance),
			}
			if product, ok := s.products[entry.ProductID]; ok {
				summary.ProductName = product.Name
				summary.ProductCategory = product.Category
			}
			result = append(result, summary)
		}
	}

	slices.SortFunc(result, func(a, b domain.StockSummary) int {
		if a.ShiftID == b.ShiftID {
			return cmpString(a.ProductID, b.ProductID)
		}
		return cmpString(a.ShiftID, b.ShiftID)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// sortedEntriesLocked returns a product-ordered copy of a shift's entries.
// Callers must hold at least a read lock.
func (s *Store) sortedEntriesLocked(shiftID string) []domain.ShiftStockEntry {
	entries := make([]domain.ShiftStockEntry, 0, len(s.entriesByShift[shiftID]))
	for _, entry := range s.entriesByShift[shiftID] {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b domain.ShiftStockEntry) int {
		return cmpString(a.ProductID, b.ProductID)
	})
	return entries
}

func (s *Store) expensesForShiftLocked(shiftID string) []domain.Expense {
	ids := s.expensesByShift[shiftID]
	expenses := make([]domain.Expense, 0, len(ids))
	for _, id := range ids {
		if expense, ok := s.expensesByID[id]; ok {
			expenses = append(expenses, expense)
		}
	}
	return expenses
}

func shiftMapKey(cashierID string, branchID string) string {
	return cashierID + "::" + branchID
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
