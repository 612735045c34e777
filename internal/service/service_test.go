package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"nyamapos/backend/internal/cache"
	"nyamapos/backend/internal/domain"
	"nyamapos/backend/internal/recon"
	"nyamapos/backend/internal/store"
	"nyamapos/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	reconciler := recon.NewEngine(cache.NoopSummaryCache{}, 5*time.Second)
	return New(repo, reconciler, "main-branch")
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func openTestShift(t *testing.T, svc *Service, ctx context.Context) domain.ShiftResponse {
	t.Helper()
	resp, err := svc.OpenShift(ctx, domain.OpenShiftRequest{BranchID: "main-branch"})
	if err != nil {
		t.Fatalf("open shift failed: %v", err)
	}
	return resp
}

func TestOpenShiftSeedsEntriesFromCatalog(t *testing.T) {
	svc := newTestService()
	resp := openTestShift(t, svc, cashierCtx())

	if resp.Shift.Status != domain.ShiftStatusOpen {
		t.Fatalf("expected open status, got %s", resp.Shift.Status)
	}
	if len(resp.Entries) == 0 {
		t.Fatal("expected seeded stock entries")
	}
	for _, entry := range resp.Entries {
		if entry.ProductID == "prod-beef" && !closeTo(entry.OpeningStock, 40) {
			t.Fatalf("expected beef opening 40 from catalog, got %v", entry.OpeningStock)
		}
	}
}

func TestOpenShiftRejectsSecondOpenShift(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestShift(t, svc, ctx)

	_, err := svc.OpenShift(ctx, domain.OpenShiftRequest{BranchID: "main-branch"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// A different cashier in the same branch is unaffected.
	other := WithActor(context.Background(), domain.Actor{Username: "cashier2", Role: "cashier"})
	if _, err := svc.OpenShift(other, domain.OpenShiftRequest{BranchID: "main-branch"}); err != nil {
		t.Fatalf("second cashier open failed: %v", err)
	}
}

func TestOpeningStockCarriesOverFromClosedShift(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	counts := map[string]float64{"prod-beef": 33.5}
	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{PhysicalCounts: counts}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	next := openTestShift(t, svc, ctx)
	for _, entry := range next.Entries {
		if entry.ProductID == "prod-beef" && !closeTo(entry.OpeningStock, 33.5) {
			t.Fatalf("expected carryover opening 33.5, got %v", entry.OpeningStock)
		}
	}
}

func TestStockAdditionIncrementsEntry(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	resp, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  "prod-goat",
		QuantityKg: 7.25,
		Supplier:   "Kiamaiko Traders",
	})
	if err != nil {
		t.Fatalf("stock addition failed: %v", err)
	}
	if !closeTo(resp.Entry.AddedStock, 7.25) {
		t.Fatalf("expected added stock 7.25, got %v", resp.Entry.AddedStock)
	}

	again, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  "prod-goat",
		QuantityKg: 2.75,
	})
	if err != nil {
		t.Fatalf("second addition failed: %v", err)
	}
	if !closeTo(again.Entry.AddedStock, 10) {
		t.Fatalf("expected accumulated added stock 10, got %v", again.Entry.AddedStock)
	}
}

func TestStockAdditionRejectsUnknownProduct(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	_, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  "prod-missing",
		QuantityKg: 1,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAdditionsConserveStock(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
				ShiftID:    shift.Shift.ID,
				ProductID:  "prod-beef",
				QuantityKg: 0.5,
			})
			if err != nil {
				t.Errorf("concurrent addition failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := svc.GetShift(ctx, shift.Shift.ID)
	if err != nil {
		t.Fatalf("get shift failed: %v", err)
	}
	for _, entry := range got.Entries {
		if entry.ProductID == "prod-beef" && !closeTo(entry.AddedStock, 10) {
			t.Fatalf("expected added stock 10 after %d additions, got %v", workers, entry.AddedStock)
		}
	}
}

func TestRecordSaleAccumulatesSoldStock(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	resp, err := svc.RecordSale(ctx, domain.SaleRequest{
		ShiftID: shift.Shift.ID,
		Items: []domain.SaleItem{
			{ProductID: "prod-beef", WeightKg: 1.5, PricePerKg: 550, LineTotal: 825},
			{ProductID: "prod-matumbo", WeightKg: 0.8, PricePerKg: 300, LineTotal: 240},
		},
		Subtotal:      1065,
		Total:         1065,
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if !closeTo(resp.Sale.Subtotal, 1.5*550+0.8*300) {
		t.Fatalf("unexpected subtotal %v", resp.Sale.Subtotal)
	}

	got, err := svc.GetShift(ctx, shift.Shift.ID)
	if err != nil {
		t.Fatalf("get shift failed: %v", err)
	}
	for _, entry := range got.Entries {
		if entry.ProductID == "prod-beef" && !closeTo(entry.SoldStock, 1.5) {
			t.Fatalf("expected sold stock 1.5, got %v", entry.SoldStock)
		}
	}
}

func TestRecordSaleRejectsTotalMismatch(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	_, err := svc.RecordSale(ctx, domain.SaleRequest{
		ShiftID: shift.Shift.ID,
		Items: []domain.SaleItem{
			{ProductID: "prod-beef", WeightKg: 1, PricePerKg: 550, LineTotal: 600},
		},
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRecordSaleRejectsZeroDeclaredTotals(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	// Declared amounts of zero against priced items are a mismatch, not an
	// invitation to recompute them server-side.
	_, err := svc.RecordSale(ctx, domain.SaleRequest{
		ShiftID:       shift.Shift.ID,
		Items:         []domain.SaleItem{{ProductID: "prod-beef", WeightKg: 1.5, PricePerKg: 550, LineTotal: 825}},
		Subtotal:      0,
		Total:         0,
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero declared totals, got %v", err)
	}

	_, err = svc.RecordSale(ctx, domain.SaleRequest{
		ShiftID:       shift.Shift.ID,
		Items:         []domain.SaleItem{{ProductID: "prod-beef", WeightKg: 1.5, PricePerKg: 550}},
		Subtotal:      825,
		Total:         825,
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero line total, got %v", err)
	}
}

func TestCrossCashierMutationsRejected(t *testing.T) {
	svc := newTestService()
	owner := cashierCtx()
	shift := openTestShift(t, svc, owner)
	intruder := WithActor(context.Background(), domain.Actor{Username: "cashier2", Role: "cashier"})

	if _, err := svc.RecordStockAddition(intruder, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  "prod-beef",
		QuantityKg: 3,
	}); err == nil {
		t.Fatal("expected stock addition on another cashier's shift to fail")
	}

	if _, err := svc.RecordSale(intruder, domain.SaleRequest{
		ShiftID:       shift.Shift.ID,
		Items:         []domain.SaleItem{{ProductID: "prod-beef", WeightKg: 1.5, PricePerKg: 550, LineTotal: 825}},
		Subtotal:      825,
		Total:         825,
		PaymentMethod: domain.PaymentCash,
	}); err == nil {
		t.Fatal("expected sale on another cashier's shift to fail")
	}

	// The owner's shift must be untouched.
	got, err := svc.GetShift(owner, shift.Shift.ID)
	if err != nil {
		t.Fatalf("get shift failed: %v", err)
	}
	for _, entry := range got.Entries {
		if entry.ProductID == "prod-beef" && (!closeTo(entry.AddedStock, 0) || !closeTo(entry.SoldStock, 0)) {
			t.Fatalf("cross-cashier attempt mutated the shift: %+v", entry)
		}
	}
}

func TestCloseShiftComputesVariance(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  "prod-beef",
		QuantityKg: 5,
	}); err != nil {
		t.Fatalf("stock addition failed: %v", err)
	}
	if _, err := svc.RecordSale(ctx, domain.SaleRequest{
		ShiftID:       shift.Shift.ID,
		Items:         []domain.SaleItem{{ProductID: "prod-beef", WeightKg: 3, PricePerKg: 550, LineTotal: 1650}},
		Subtotal:      1650,
		Total:         1650,
		PaymentMethod: domain.PaymentCash,
	}); err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	// Opening 40 + added 5 - sold 3 = expected 42; counted 40 is a deficit.
	summary, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		PhysicalCounts: map[string]float64{"prod-beef": 40},
		DeclaredCash:   1650,
	})
	if err != nil {
		t.Fatalf("close shift failed: %v", err)
	}
	if summary.Status != domain.ShiftStatusPendingReview {
		t.Fatalf("expected pending_review, got %s", summary.Status)
	}
	if !summary.HasDiscrepancy {
		t.Fatal("expected discrepancy for 2kg deficit")
	}

	var beef *domain.ShiftStockEntry
	for i := range summary.Entries {
		if summary.Entries[i].ProductID == "prod-beef" {
			beef = &summary.Entries[i]
		}
	}
	if beef == nil {
		t.Fatal("missing beef entry in summary")
	}
	if !closeTo(beef.Variance, -2) {
		t.Fatalf("expected variance -2, got %v", beef.Variance)
	}
}

func TestCloseShiftIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	first, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		PhysicalCounts: map[string]float64{"prod-beef": 39},
		DeclaredCash:   500,
	})
	if err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	// The second close carries different numbers; they must be ignored.
	second, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		PhysicalCounts: map[string]float64{"prod-beef": 10},
		DeclaredCash:   99999,
	})
	if err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if !closeTo(second.DeclaredCash, first.DeclaredCash) {
		t.Fatalf("second close must return stored declared cash, got %v", second.DeclaredCash)
	}
	if !closeTo(second.TotalClosing, first.TotalClosing) {
		t.Fatalf("second close must return stored closing totals, got %v", second.TotalClosing)
	}
}

func TestNoMutationAfterClose(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	_, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  "prod-beef",
		QuantityKg: 1,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for addition, got %v", err)
	}

	_, err = svc.RecordSale(ctx, domain.SaleRequest{
		ShiftID:       shift.Shift.ID,
		Items:         []domain.SaleItem{{ProductID: "prod-beef", WeightKg: 1, PricePerKg: 550, LineTotal: 550}},
		Subtotal:      550,
		Total:         550,
		PaymentMethod: domain.PaymentCash,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for sale, got %v", err)
	}
}

func TestCloseShiftCollectsExpenses(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	summary, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		DeclaredCash:  15000,
		DeclaredMpesa: 8000,
		Expenses: []domain.ExpenseInput{
			{Category: domain.ExpenseCategoryTransport, Amount: 2000, PaymentMethod: domain.PaymentCash},
		},
	})
	if err != nil {
		t.Fatalf("close shift failed: %v", err)
	}
	// Pending expenses do not reduce net cash yet.
	if !closeTo(summary.NetCash, 15000) {
		t.Fatalf("expected net cash 15000 before review, got %v", summary.NetCash)
	}

	expenses, err := svc.ListShiftExpenses(ctx, shift.Shift.ID)
	if err != nil {
		t.Fatalf("list expenses failed: %v", err)
	}
	if len(expenses) != 1 || expenses[0].Status != domain.ExpenseStatusPending {
		t.Fatalf("expected one pending expense, got %+v", expenses)
	}
}

func TestApproveShiftSettlesExpenses(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		DeclaredCash: 15000,
		Expenses: []domain.ExpenseInput{
			{Category: domain.ExpenseCategorySupplies, Amount: 20000, PaymentMethod: domain.PaymentCash},
		},
	}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	summary, err := svc.ApproveShift(adminCtx(), shift.Shift.ID)
	if err != nil {
		t.Fatalf("approve shift failed: %v", err)
	}
	if summary.Status != domain.ShiftStatusApproved {
		t.Fatalf("expected approved, got %s", summary.Status)
	}
	if !closeTo(summary.NetCash, -5000) {
		t.Fatalf("expected net cash -5000 after approval, got %v", summary.NetCash)
	}
	if !summary.HasDiscrepancy {
		t.Fatal("negative net cash must flag a discrepancy")
	}
}

func TestApproveShiftIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{DeclaredCash: 100}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}
	first, err := svc.ApproveShift(adminCtx(), shift.Shift.ID)
	if err != nil {
		t.Fatalf("first approve failed: %v", err)
	}
	second, err := svc.ApproveShift(adminCtx(), shift.Shift.ID)
	if err != nil {
		t.Fatalf("second approve failed: %v", err)
	}
	if first.Status != second.Status || !closeTo(first.DeclaredCash, second.DeclaredCash) {
		t.Fatalf("repeat approval changed state: %+v vs %+v", first, second)
	}
}

func TestApproveOpenShiftFails(t *testing.T) {
	svc := newTestService()
	shift := openTestShift(t, svc, cashierCtx())

	_, err := svc.ApproveShift(adminCtx(), shift.Shift.ID)
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestApproveShiftRequiresAdmin(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)
	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	if _, err := svc.ApproveShift(ctx, shift.Shift.ID); err == nil {
		t.Fatal("expected approval to fail for cashier role")
	}
}

func TestReviewExpenseRejectLeavesNetAlone(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		DeclaredCash: 10000,
		Expenses: []domain.ExpenseInput{
			{Category: domain.ExpenseCategoryRepairs, Amount: 3000, PaymentMethod: domain.PaymentCash},
		},
	}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	expenses, err := svc.ListShiftExpenses(ctx, shift.Shift.ID)
	if err != nil || len(expenses) != 1 {
		t.Fatalf("expected one expense, got %v err=%v", expenses, err)
	}

	reviewed, err := svc.ReviewExpense(adminCtx(), expenses[0].ID, domain.ExpenseReviewRequest{Status: domain.ExpenseStatusRejected})
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if reviewed.Expense.Status != domain.ExpenseStatusRejected {
		t.Fatalf("expected rejected, got %s", reviewed.Expense.Status)
	}

	summary, err := svc.SummarizeShift(context.Background(), shift.Shift.ID)
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if !closeTo(summary.NetCash, 10000) {
		t.Fatalf("rejected expense must not reduce net cash, got %v", summary.NetCash)
	}

	// Re-applying the same status is a no-op.
	if _, err := svc.ReviewExpense(adminCtx(), expenses[0].ID, domain.ExpenseReviewRequest{Status: domain.ExpenseStatusRejected}); err != nil {
		t.Fatalf("repeat review failed: %v", err)
	}
}

func TestMidShiftProductStartsAtZeroOpening(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:       "Camel Meat",
		Category:   "camel",
		PricePerKg: 700,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}

	resp, err := svc.RecordStockAddition(ctx, domain.StockAdditionRequest{
		ShiftID:    shift.Shift.ID,
		ProductID:  product.ID,
		QuantityKg: 12,
	})
	if err != nil {
		t.Fatalf("stock addition failed: %v", err)
	}
	if !closeTo(resp.Entry.OpeningStock, 0) {
		t.Fatalf("mid-shift product must open at 0, got %v", resp.Entry.OpeningStock)
	}
	if !closeTo(resp.Entry.AddedStock, 12) {
		t.Fatalf("expected added stock 12, got %v", resp.Entry.AddedStock)
	}
}

func TestStockSummaryByBranchAndDate(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)

	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{
		PhysicalCounts: map[string]float64{"prod-beef": 38},
	}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	summary, err := svc.StockSummary(context.Background(), "main-branch", shift.Shift.ShiftDate)
	if err != nil {
		t.Fatalf("stock summary failed: %v", err)
	}
	if len(summary.Items) == 0 {
		t.Fatal("expected summary items for closed shift")
	}
	for _, item := range summary.Items {
		if item.ProductID == "prod-beef" {
			if item.Classification != "deficit" {
				t.Fatalf("expected deficit classification, got %s", item.Classification)
			}
			if item.ProductName == "" {
				t.Fatal("expected product name joined onto summary")
			}
		}
	}
}

func TestListClosedShifts(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)
	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	shifts, err := svc.ListClosedShifts(context.Background(), "main-branch", 10)
	if err != nil {
		t.Fatalf("list closed shifts failed: %v", err)
	}
	if len(shifts) != 1 || shifts[0].ID != shift.Shift.ID {
		t.Fatalf("expected the closed shift, got %+v", shifts)
	}
}

func TestAuditLogsRecordLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	shift := openTestShift(t, svc, ctx)
	if _, err := svc.CloseShift(ctx, shift.Shift.ID, domain.CloseShiftRequest{}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}
	if _, err := svc.ApproveShift(adminCtx(), shift.Shift.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "main-branch", "", 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	for _, want := range []string{"shift_open", "shift_close", "shift_approve"} {
		if !actions[want] {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}
