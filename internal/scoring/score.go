// Package scoring maps a financial snapshot to a credit score report.
//
// Each of the four positive components (debt-to-income, loan-to-income,
// credit utilization, discretionary income) carries a 250-point budget, so
// they sum to at most MaxScore before payment penalties are subtracted.
// Zero income, zero net income and a non-positive credit limit fall back to a
// worst-case ratio of 1.
package scoring

import (
	"math"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
)

const (
	BaseScore      = 0
	MaxScore       = 1000
	ComponentScore = 250

	MissedPaymentPenalty = 100
	LatePaymentPenalty   = 50
)

// Score computes the report for a snapshot. It is pure and never fails.
func Score(f domain.FinancialData) domain.ScoreReport {
	netIncome := math.Max(0, f.Income-f.Expenses)
	totalDebt := f.Debts.Total()

	dtiRatio := ratioOrWorst(totalDebt, netIncome)
	dtiScore := component(dtiRatio)

	ltiRatio := ratioOrWorst(totalDebt, f.Income)
	ltiScore := component(ltiRatio)

	utilization := ratioOrWorst(totalDebt, f.CreditLimit)
	utilizationScore := component(utilization)

	discretionary := 0.0
	if f.Income > 0 {
		discretionary = math.Min(ComponentScore, netIncome/f.Income*ComponentScore)
	}

	// Counts are converted before multiplying so huge counts cannot wrap.
	penalty := float64(f.MissedPayments)*MissedPaymentPenalty + float64(f.LatePayments)*LatePaymentPenalty

	raw := BaseScore + dtiScore + ltiScore + utilizationScore + discretionary - penalty
	clamped := math.Max(BaseScore, math.Min(MaxScore, raw))

	return domain.ScoreReport{
		CreditScore:              int(clamped),
		DebtToIncomeRatio:        round2(dtiRatio),
		LoanToIncomeRatio:        round2(ltiRatio),
		CreditUtilizationPct:     round2(utilization * 100),
		DiscretionaryIncomeScore: round2(discretionary),
		MissedPayments:           f.MissedPayments,
		LatePayments:             f.LatePayments,
	}
}

func ratioOrWorst(num, den float64) float64 {
	if den > 0 {
		return num / den
	}
	return 1
}

func component(ratio float64) float64 {
	return math.Max(0, ComponentScore-ratio*ComponentScore)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
