package recon

import (
	"context"
	"math"
	"time"

	"nyamapos/backend/internal/cache"
	"nyamapos/backend/internal/domain"
)

// StockToleranceKg is the absolute variance below which an entry counts as
// balanced. Physical scale counting carries rounding noise, so comparison is
// strictly less-than against this tolerance, never exact equality.
const StockToleranceKg = 0.1

// CashTolerance is the absolute tolerance for currency comparisons.
const CashTolerance = 0.01

const (
	ClassificationBalanced = "balanced"
	ClassificationSurplus  = "surplus"
	ClassificationDeficit  = "deficit"
)

type VarianceResult struct {
	ExpectedClosing float64 `json:"expected_closing"`
	ActualClosing   float64 `json:"actual_closing"`
	Variance        float64 `json:"variance"`
	Classification  string  `json:"classification"`
}

// ExpectedClosing is the conservation identity: what must remain if every
// kilogram that entered the shift either sold or stayed on the counter.
func ExpectedClosing(entry domain.ShiftStockEntry) float64 {
	return entry.OpeningStock + entry.AddedStock - entry.SoldStock
}

// ComputeVariance derives the expected closing stock for the entry and the
// deviation of the physical count from it. A nil actualCount means the cashier
// skipped re-counting this product; the expected value is taken as counted and
// the variance is zero.
func ComputeVariance(entry domain.ShiftStockEntry, actualCount *float64) VarianceResult {
	expected := ExpectedClosing(entry)
	actual := expected
	if actualCount != nil {
		actual = *actualCount
	}
	variance := actual - expected
	return VarianceResult{
		ExpectedClosing: expected,
		ActualClosing:   actual,
		Variance:        variance,
		Classification:  Classify(variance),
	}
}

// Classify buckets a variance. Balanced requires |v| strictly below the
// tolerance: a variance of exactly 0.1 kg is already a surplus.
func Classify(variance float64) string {
	if math.Abs(variance) < StockToleranceKg {
		return ClassificationBalanced
	}
	if variance > 0 {
		return ClassificationSurplus
	}
	return ClassificationDeficit
}

// FinalizeEntries applies the cashier's physical counts to the shift's
// entries, filling ClosingStock and Variance. Entries without a supplied
// count close at their expected value with zero variance. Input order is
// preserved; the input slice is not mutated.
func FinalizeEntries(entries []domain.ShiftStockEntry, counts map[string]float64) []domain.ShiftStockEntry {
	finalized := make([]domain.ShiftStockEntry, 0, len(entries))
	for _, entry := range entries {
		var actual *float64
		if counts != nil {
			if counted, ok := counts[entry.ProductID]; ok {
				c := counted
				actual = &c
			}
		}
		result := ComputeVariance(entry, actual)
		entry.ClosingStock = result.ActualClosing
		entry.Variance = result.Variance
		finalized = append(finalized, entry)
	}
	return finalized
}

// Summarize aggregates a shift's stock entries and expenses into the derived
// reconciliation view. Only approved expenses reduce the declared takings.
// The shift is flagged discrepant when any product's variance reaches the
// tolerance or when expenses exceed what was declared on either tender.
func Summarize(shift domain.Shift, entries []domain.ShiftStockEntry, expenses []domain.Expense) domain.ReconciliationSummary {
	summary := domain.ReconciliationSummary{
		ShiftID:       shift.ID,
		BranchID:      shift.BranchID,
		CashierID:     shift.CashierID,
		ShiftDate:     shift.ShiftDate,
		Status:        shift.Status,
		DeclaredCash:  shift.DeclaredCash,
		DeclaredMpesa: shift.DeclaredMpesa,
		Entries:       entries,
	}

	for _, entry := range entries {
		summary.TotalOpening += entry.OpeningStock
		summary.TotalAdded += entry.AddedStock
		summary.TotalSold += entry.SoldStock
		summary.TotalClosing += entry.ClosingStock
		summary.TotalVariance += entry.Variance
		if math.Abs(entry.Variance) >= StockToleranceKg {
			summary.HasDiscrepancy = true
		}
	}

	for _, expense := range expenses {
		if expense.Status != domain.ExpenseStatusApproved {
			continue
		}
		switch expense.PaymentMethod {
		case domain.PaymentCash:
			summary.CashExpenses += expense.Amount
		case domain.PaymentMpesa:
			summary.MpesaExpenses += expense.Amount
		}
	}

	summary.NetCash = summary.DeclaredCash - summary.CashExpenses
	summary.NetMpesa = summary.DeclaredMpesa - summary.MpesaExpenses
	if summary.NetCash < -CashTolerance || summary.NetMpesa < -CashTolerance {
		summary.HasDiscrepancy = true
	}

	return summary
}

// Engine wraps the pure reconciliation math with a short-lived summary cache
// so admin dashboards polling the same shift do not recompute on every hit.
type Engine struct {
	cache    cache.SummaryCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.SummaryCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopSummaryCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Engine{cache: cacheStore, cacheTTL: cacheTTL}
}

// summaryCacheKey is keyed by shift ID alone so invalidation works the same
// regardless of which lifecycle state the caller holds.
func summaryCacheKey(shiftID string) string {
	return "pos:shift-summary:" + shiftID
}

func (e *Engine) SummarizeShift(ctx context.Context, shift domain.Shift, entries []domain.ShiftStockEntry, expenses []domain.Expense) domain.ReconciliationSummary {
	cacheKey := summaryCacheKey(shift.ID)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return *cached
	}

	summary := Summarize(shift, entries, expenses)

	// Open shifts are still moving; only settled states are worth caching.
	if shift.Status != domain.ShiftStatusOpen {
		_ = e.cache.Set(ctx, cacheKey, &summary, e.cacheTTL)
	}
	return summary
}

// Invalidate drops any cached summary for the shift, used after approval or
// an expense review changes the approved-expense set.
func (e *Engine) Invalidate(ctx context.Context, shift domain.Shift) {
	_ = e.cache.Delete(ctx, summaryCacheKey(shift.ID))
}
