package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"nyamapos/backend/internal/domain"
	"nyamapos/backend/internal/recon"
	"nyamapos/backend/internal/store"
	"nyamapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	reconciler      *recon.Engine
	defaultBranchID string
}

func New(repo store.Repository, reconciler *recon.Engine, defaultBranchID string) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}

	return &Service{
		repo:            repo,
		reconciler:      reconciler,
		defaultBranchID: defaultBranchID,
	}
}

func (s *Service) ListProducts(ctx context.Context, branchID string) ([]domain.Product, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ListProducts(ctx, branchID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.PricePerKg <= 0 || req.StockKg < 0 {
		return domain.Product{}, store.ErrValidation
	}

	product := domain.Product{
		ID:         xid.New("prod"),
		BranchID:   req.BranchID,
		Name:       req.Name,
		Category:   req.Category,
		PricePerKg: req.PricePerKg,
		StockKg:    req.StockKg,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, req.BranchID, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%.2f,stock=%.2f", created.Name, created.PricePerKg, created.StockKg))

	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, store.ErrValidation
	}

	existing, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Category = category
	}
	if req.PricePerKg != nil {
		if *req.PricePerKg <= 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PricePerKg = *req.PricePerKg
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, saved.BranchID, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%.2f", saved.Active, saved.PricePerKg))

	return *saved, nil
}

// OpenShift starts a shift for the calling cashier. Opening stock for each
// product carries over from the branch's most recently closed shift; products
// never seen in a closed shift fall back to their catalog stock level.
func (s *Service) OpenShift(ctx context.Context, req domain.OpenShiftRequest) (domain.ShiftResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ShiftResponse{}, fmt.Errorf("authenticated cashier required")
	}
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}

	products, err := s.repo.ListProducts(ctx, req.BranchID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	carryover, err := s.repo.LatestClosingStocks(ctx, req.BranchID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	now := time.Now().UTC()
	shift := domain.Shift{
		ID:        xid.New("shift"),
		CashierID: actor.Username,
		BranchID:  req.BranchID,
		Status:    domain.ShiftStatusOpen,
		ShiftDate: now.Format("2006-01-02"),
		OpenedAt:  now,
	}

	entries := make([]domain.ShiftStockEntry, 0, len(products))
	for _, product := range products {
		opening := product.StockKg
		if carried, ok := carryover[product.ID]; ok {
			opening = carried
		}
		entries = append(entries, domain.ShiftStockEntry{
			ID:           xid.New("entry"),
			ShiftID:      shift.ID,
			ProductID:    product.ID,
			BranchID:     shift.BranchID,
			ShiftDate:    shift.ShiftDate,
			OpeningStock: opening,
		})
	}

	saved, err := s.repo.CreateShift(ctx, shift, entries)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ShiftResponse{}, fmt.Errorf("%w: shift already open for cashier", store.ErrConflict)
		}
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, req.BranchID, "shift_open", "shift", saved.ID, fmt.Sprintf("cashier=%s,products=%d", actor.Username, len(entries)))

	stored, err := s.repo.ListStockEntries(ctx, saved.ID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return domain.ShiftResponse{Shift: *saved, Entries: stored}, nil
}

func (s *Service) GetActiveShift(ctx context.Context, branchID string) (domain.ShiftResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ShiftResponse{}, fmt.Errorf("authenticated cashier required")
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	shift, err := s.repo.GetActiveShift(ctx, actor.Username, branchID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	entries, err := s.repo.ListStockEntries(ctx, shift.ID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return domain.ShiftResponse{Shift: *shift, Entries: entries}, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.ShiftResponse, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return domain.ShiftResponse{}, store.ErrValidation
	}

	shift, err := s.repo.GetShiftByID(ctx, shiftID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	entries, err := s.repo.ListStockEntries(ctx, shift.ID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return domain.ShiftResponse{Shift: *shift, Entries: entries}, nil
}

func (s *Service) RecordStockAddition(ctx context.Context, req domain.StockAdditionRequest) (domain.StockAdditionResponse, error) {
	req.ShiftID = strings.TrimSpace(req.ShiftID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ShiftID == "" || req.ProductID == "" {
		return domain.StockAdditionResponse{}, store.ErrValidation
	}
	if req.QuantityKg <= 0 {
		return domain.StockAdditionResponse{}, store.ErrValidation
	}

	shift, err := s.repo.GetShiftByID(ctx, req.ShiftID)
	if err != nil {
		return domain.StockAdditionResponse{}, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == "cashier" && shift.CashierID != actor.Username {
		return domain.StockAdditionResponse{}, fmt.Errorf("shift belongs to another cashier")
	}

	if _, err := s.repo.GetProductByID(ctx, req.ProductID); err != nil {
		return domain.StockAdditionResponse{}, err
	}

	addition := domain.StockAddition{
		ID:         xid.New("add"),
		ShiftID:    req.ShiftID,
		ProductID:  req.ProductID,
		QuantityKg: req.QuantityKg,
		Supplier:   strings.TrimSpace(req.Supplier),
		Batch:      strings.TrimSpace(req.Batch),
		Notes:      strings.TrimSpace(req.Notes),
		CreatedAt:  time.Now().UTC(),
	}

	// Products joining the catalog mid-shift get an entry opening at zero.
	seed := domain.ShiftStockEntry{
		ID:        xid.New("entry"),
		ProductID: req.ProductID,
	}

	entry, err := s.repo.AddStock(ctx, addition, seed)
	if err != nil {
		return domain.StockAdditionResponse{}, err
	}

	s.logAudit(ctx, entry.BranchID, "stock_add", "shift_stock_entry", entry.ID, fmt.Sprintf("product=%s,qty=%.2f", req.ProductID, req.QuantityKg))

	return domain.StockAdditionResponse{Addition: addition, Entry: *entry}, nil
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	req.ShiftID = strings.TrimSpace(req.ShiftID)
	if req.ShiftID == "" {
		active, err := s.GetActiveShift(ctx, "")
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.SaleResponse{}, fmt.Errorf("%w: active shift required", store.ErrInvalidState)
			}
			return domain.SaleResponse{}, err
		}
		req.ShiftID = active.Shift.ID
	}

	shift, err := s.repo.GetShiftByID(ctx, req.ShiftID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == "cashier" && shift.CashierID != actor.Username {
		return domain.SaleResponse{}, fmt.Errorf("shift belongs to another cashier")
	}

	if len(req.Items) == 0 {
		return domain.SaleResponse{}, store.ErrValidation
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentMpesa {
		return domain.SaleResponse{}, store.ErrValidation
	}
	if req.Discount < 0 {
		return domain.SaleResponse{}, store.ErrValidation
	}

	productIDs := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	subtotal := 0.0
	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		if _, exists := products[item.ProductID]; !exists {
			return domain.SaleResponse{}, fmt.Errorf("%w: unknown product %s", store.ErrValidation, item.ProductID)
		}
		if item.WeightKg <= 0 || item.PricePerKg <= 0 {
			return domain.SaleResponse{}, store.ErrValidation
		}
		lineTotal := item.WeightKg * item.PricePerKg
		// Declared amounts are cross-checked unconditionally; a declared zero
		// against priced items is a mismatch, not an omission.
		if math.Abs(item.LineTotal-lineTotal) > recon.CashTolerance {
			return domain.SaleResponse{}, fmt.Errorf("%w: line total mismatch for product %s", store.ErrValidation, item.ProductID)
		}
		item.LineTotal = lineTotal
		subtotal += lineTotal
		items = append(items, item)
	}

	if math.Abs(req.Subtotal-subtotal) > recon.CashTolerance {
		return domain.SaleResponse{}, fmt.Errorf("%w: subtotal mismatch", store.ErrValidation)
	}
	total := subtotal - req.Discount
	if total < 0 {
		return domain.SaleResponse{}, store.ErrValidation
	}
	if math.Abs(req.Total-total) > recon.CashTolerance {
		return domain.SaleResponse{}, fmt.Errorf("%w: total mismatch", store.ErrValidation)
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		ShiftID:       req.ShiftID,
		Items:         items,
		Discount:      req.Discount,
		Subtotal:      subtotal,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     time.Now().UTC(),
	}

	saved, err := s.repo.RecordSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, saved.BranchID, "sale_record", "sale", saved.ID, fmt.Sprintf("total=%.2f,method=%s,items=%d", saved.Total, saved.PaymentMethod, len(saved.Items)))

	return domain.SaleResponse{Sale: *saved}, nil
}

// CloseShift finalizes the shift's stock counts and declared takings in a
// single store transaction and moves it to pending review. Closing an already
// closed shift returns the stored reconciliation unchanged.
func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.CloseShiftRequest) (domain.ReconciliationSummary, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return domain.ReconciliationSummary{}, store.ErrValidation
	}
	if req.DeclaredCash < 0 || req.DeclaredMpesa < 0 {
		return domain.ReconciliationSummary{}, store.ErrValidation
	}
	for productID, count := range req.PhysicalCounts {
		if count < 0 {
			return domain.ReconciliationSummary{}, fmt.Errorf("%w: negative count for product %s", store.ErrValidation, productID)
		}
	}

	shift, err := s.repo.GetShiftByID(ctx, shiftID)
	if err != nil {
		return domain.ReconciliationSummary{}, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == "cashier" && shift.CashierID != actor.Username {
		return domain.ReconciliationSummary{}, fmt.Errorf("shift belongs to another cashier")
	}

	expenses := make([]domain.Expense, 0, len(req.Expenses))
	for _, input := range req.Expenses {
		if input.Amount <= 0 {
			return domain.ReconciliationSummary{}, store.ErrValidation
		}
		if input.PaymentMethod != domain.PaymentCash && input.PaymentMethod != domain.PaymentMpesa {
			return domain.ReconciliationSummary{}, store.ErrValidation
		}
		expenses = append(expenses, domain.Expense{
			ID:            xid.New("exp"),
			ShiftID:       shiftID,
			Category:      input.Category,
			Amount:        input.Amount,
			PaymentMethod: input.PaymentMethod,
			Description:   strings.TrimSpace(input.Description),
			Status:        domain.ExpenseStatusPending,
		})
	}

	result, err := s.repo.CloseShift(ctx, store.CloseShiftParams{
		ShiftID:        shiftID,
		PhysicalCounts: req.PhysicalCounts,
		DeclaredCash:   req.DeclaredCash,
		DeclaredMpesa:  req.DeclaredMpesa,
		Expenses:       expenses,
		ClosedAt:       time.Now().UTC(),
	})
	if err != nil {
		return domain.ReconciliationSummary{}, err
	}

	if !result.AlreadyClosed {
		s.logAudit(ctx, result.Shift.BranchID, "shift_close", "shift", result.Shift.ID, fmt.Sprintf("cash=%.2f,mpesa=%.2f,expenses=%d", req.DeclaredCash, req.DeclaredMpesa, len(expenses)))
	}

	return s.reconciler.SummarizeShift(ctx, result.Shift, result.Entries, result.Expenses), nil
}

// ApproveShift moves a pending shift to approved and settles its pending
// expenses. Re-approving is a no-op returning the stored reconciliation.
func (s *Service) ApproveShift(ctx context.Context, shiftID string) (domain.ReconciliationSummary, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ReconciliationSummary{}, fmt.Errorf("admin role required")
	}
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return domain.ReconciliationSummary{}, store.ErrValidation
	}

	shift, alreadyApproved, err := s.repo.ApproveShift(ctx, shiftID, actor.Username, time.Now().UTC())
	if err != nil {
		return domain.ReconciliationSummary{}, err
	}

	if !alreadyApproved {
		s.reconciler.Invalidate(ctx, *shift)
		s.logAudit(ctx, shift.BranchID, "shift_approve", "shift", shift.ID, fmt.Sprintf("approved_by=%s", actor.Username))
	}

	return s.SummarizeShift(ctx, shiftID)
}

// ReviewExpense approves or rejects a single expense while its shift is
// pending review. Re-applying the stored status is a no-op.
func (s *Service) ReviewExpense(ctx context.Context, expenseID string, req domain.ExpenseReviewRequest) (domain.ExpenseResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ExpenseResponse{}, fmt.Errorf("admin role required")
	}
	expenseID = strings.TrimSpace(expenseID)
	if expenseID == "" {
		return domain.ExpenseResponse{}, store.ErrValidation
	}
	if req.Status != domain.ExpenseStatusApproved && req.Status != domain.ExpenseStatusRejected {
		return domain.ExpenseResponse{}, store.ErrValidation
	}

	expense, err := s.repo.GetExpenseByID(ctx, expenseID)
	if err != nil {
		return domain.ExpenseResponse{}, err
	}
	if expense.Status == req.Status {
		return domain.ExpenseResponse{Expense: *expense}, nil
	}

	shift, err := s.repo.GetShiftByID(ctx, expense.ShiftID)
	if err != nil {
		return domain.ExpenseResponse{}, err
	}
	if shift.Status != domain.ShiftStatusPendingReview {
		return domain.ExpenseResponse{}, store.ErrInvalidState
	}

	updated, err := s.repo.UpdateExpenseStatus(ctx, expenseID, req.Status)
	if err != nil {
		return domain.ExpenseResponse{}, err
	}

	s.reconciler.Invalidate(ctx, *shift)
	s.logAudit(ctx, shift.BranchID, "expense_review", "expense", updated.ID, fmt.Sprintf("status=%s,amount=%.2f", updated.Status, updated.Amount))

	return domain.ExpenseResponse{Expense: *updated}, nil
}

func (s *Service) SummarizeShift(ctx context.Context, shiftID string) (domain.ReconciliationSummary, error) {
	shift, err := s.repo.GetShiftByID(ctx, shiftID)
	if err != nil {
		return domain.ReconciliationSummary{}, err
	}
	entries, err := s.repo.ListStockEntries(ctx, shift.ID)
	if err != nil {
		return domain.ReconciliationSummary{}, err
	}
	expenses, err := s.repo.ListExpenses(ctx, shift.ID)
	if err != nil {
		return domain.ReconciliationSummary{}, err
	}
	return s.reconciler.SummarizeShift(ctx, *shift, entries, expenses), nil
}

func (s *Service) StockSummary(ctx context.Context, branchID string, shiftDate string) (domain.StockSummaryResponse, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if shiftDate == "" {
		shiftDate = time.Now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", shiftDate); err != nil {
		return domain.StockSummaryResponse{}, fmt.Errorf("%w: shift date must be YYYY-MM-DD", store.ErrValidation)
	}

	items, err := s.repo.ListClosedEntriesByBranchDate(ctx, branchID, shiftDate)
	if err != nil {
		return domain.StockSummaryResponse{}, err
	}
	return domain.StockSummaryResponse{BranchID: branchID, ShiftDate: shiftDate, Items: items}, nil
}

func (s *Service) ListClosedShifts(ctx context.Context, branchID string, limit int) ([]domain.Shift, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.repo.ListClosedShifts(ctx, branchID, limit)
}

func (s *Service) ListShiftExpenses(ctx context.Context, shiftID string) ([]domain.Expense, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return nil, store.ErrValidation
	}
	if _, err := s.repo.GetShiftByID(ctx, shiftID); err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, shiftID)
}

func (s *Service) ListShiftSales(ctx context.Context, shiftID string) ([]domain.Sale, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return nil, store.ErrValidation
	}
	if _, err := s.repo.GetShiftByID(ctx, shiftID); err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, shiftID)
}

func (s *Service) ListShiftAdditions(ctx context.Context, shiftID string) ([]domain.StockAddition, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return nil, store.ErrValidation
	}
	if _, err := s.repo.GetShiftByID(ctx, shiftID); err != nil {
		return nil, err
	}
	return s.repo.ListStockAdditions(ctx, shiftID)
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var from, to time.Time
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = day
		to = day.Add(24*time.Hour - time.Nanosecond)
	}

	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}
