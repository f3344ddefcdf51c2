package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/blake2b"
)

// ============================================================
// Financial data
// ============================================================

// Financial data keys as they appear on the wire.
const (
	KeyIncome         = "income"
	KeyExpenses       = "expenses"
	KeyDebts          = "debts"
	KeyCreditLimit    = "credit_limit"
	KeyMissedPayments = "missed_payments"
	KeyLatePayments   = "late_payments"
)

// FinancialKeys lists every financial data key in wire order.
var FinancialKeys = []string{
	KeyIncome, KeyExpenses, KeyDebts, KeyCreditLimit, KeyMissedPayments, KeyLatePayments,
}

// Debts maps a debt name to its outstanding amount.
type Debts map[string]float64

// Total sums every debt amount.
func (d Debts) Total() float64 {
	var total float64
	for _, v := range d {
		total += v
	}
	return total
}

// Clone returns an independent copy. A nil map clones to an empty one.
func (d Debts) Clone() Debts {
	out := make(Debts, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FinancialData is a user's financial snapshot, the input of the scoring engine.
type FinancialData struct {
	Income         float64 `json:"income" mapstructure:"income"`
	Expenses       float64 `json:"expenses" mapstructure:"expenses"`
	Debts          Debts   `json:"debts" mapstructure:"debts"`
	CreditLimit    float64 `json:"credit_limit" mapstructure:"credit_limit"`
	MissedPayments int     `json:"missed_payments" mapstructure:"missed_payments"`
	LatePayments   int     `json:"late_payments" mapstructure:"late_payments"`
}

// Clone returns a deep copy so snapshots never share the debts map.
func (f FinancialData) Clone() FinancialData {
	f.Debts = f.Debts.Clone()
	return f
}

// Apply performs a shallow replace-by-key merge: every key present in the
// update overwrites the current value, debts included (replaced wholesale).
func (f FinancialData) Apply(u *FinancialUpdate) FinancialData {
	out := f.Clone()
	if u == nil {
		return out
	}
	if u.Income != nil {
		out.Income = *u.Income
	}
	if u.Expenses != nil {
		out.Expenses = *u.Expenses
	}
	if u.Debts != nil {
		out.Debts = u.Debts.Clone()
	}
	if u.CreditLimit != nil {
		out.CreditLimit = *u.CreditLimit
	}
	if u.MissedPayments != nil {
		out.MissedPayments = *u.MissedPayments
	}
	if u.LatePayments != nil {
		out.LatePayments = *u.LatePayments
	}
	return out
}

// Fingerprint is a stable blake2b digest of the snapshot. encoding/json sorts
// map keys, so equal snapshots always hash the same.
func (f FinancialData) Fingerprint() string {
	f.Debts = f.Debts.Clone()
	data, _ := json.Marshal(f)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// ChangedKeys lists the top-level keys whose values differ from other.
func (f FinancialData) ChangedKeys(other FinancialData) []string {
	var changed []string
	if f.Income != other.Income {
		changed = append(changed, KeyIncome)
	}
	if f.Expenses != other.Expenses {
		changed = append(changed, KeyExpenses)
	}
	if !debtsEqual(f.Debts, other.Debts) {
		changed = append(changed, KeyDebts)
	}
	if f.CreditLimit != other.CreditLimit {
		changed = append(changed, KeyCreditLimit)
	}
	if f.MissedPayments != other.MissedPayments {
		changed = append(changed, KeyMissedPayments)
	}
	if f.LatePayments != other.LatePayments {
		changed = append(changed, KeyLatePayments)
	}
	return changed
}

func debtsEqual(a, b Debts) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// ============================================================
// Partial updates
// ============================================================

// FinancialUpdate is an incoming partial financial document. A nil field means
// the key was absent and the current value is kept.
type FinancialUpdate struct {
	Income         *float64 `mapstructure:"income"`
	Expenses       *float64 `mapstructure:"expenses"`
	Debts          Debts    `mapstructure:"debts"`
	CreditLimit    *float64 `mapstructure:"credit_limit"`
	MissedPayments *int     `mapstructure:"missed_payments"`
	LatePayments   *int     `mapstructure:"late_payments"`

	keys []string
}

// Keys returns the top-level keys present in the update, in wire order.
func (u *FinancialUpdate) Keys() []string {
	if u == nil {
		return nil
	}
	return u.keys
}

// Complete reports whether every financial key is present.
func (u *FinancialUpdate) Complete() bool {
	return u != nil && len(u.keys) == len(FinancialKeys)
}

// FinancialData returns the update as a full snapshot (absent keys are zero).
func (u *FinancialUpdate) FinancialData() FinancialData {
	return FinancialData{Debts: Debts{}}.Apply(u)
}

// ParseFinancialUpdate validates a loosely-typed financial document and decodes
// it into a FinancialUpdate. Numbers may arrive as float64, int or json.Number.
// Unknown keys, wrong types, fractional payment counts and negative amounts are
// rejected with *ErrValidation.
func ParseFinancialUpdate(raw map[string]any) (*FinancialUpdate, error) {
	update := &FinancialUpdate{}
	if raw == nil {
		return update, nil
	}

	for _, key := range sortedKeys(raw) {
		if !isFinancialKey(key) {
			return nil, &ErrValidation{Field: key, Message: "unknown financial data field"}
		}
	}

	// Explicit nulls are treated as absent keys.
	clean := make(map[string]any, len(raw))
	for k, v := range raw {
		if v != nil {
			clean[k] = v
		}
	}

	for _, key := range []string{KeyIncome, KeyExpenses, KeyCreditLimit} {
		if v, ok := clean[key]; ok && !isNumber(v) {
			return nil, &ErrValidation{Field: key, Message: fmt.Sprintf("expected a number, got %T", v)}
		}
	}
	for _, key := range []string{KeyMissedPayments, KeyLatePayments} {
		if v, ok := clean[key]; ok && !isInteger(v) {
			return nil, &ErrValidation{Field: key, Message: fmt.Sprintf("expected an integer, got %v", v)}
		}
	}
	if v, ok := clean[KeyDebts]; ok {
		debts, isMap := v.(map[string]any)
		if !isMap {
			return nil, &ErrValidation{Field: KeyDebts, Message: "expected an object of debt name to amount"}
		}
		for _, name := range sortedKeys(debts) {
			if !isNumber(debts[name]) {
				return nil, &ErrValidation{Field: KeyDebts + "." + name, Message: "debt amounts must be numbers"}
			}
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      update,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build financial decoder: %w", err)
	}
	if err := decoder.Decode(clean); err != nil {
		return nil, &ErrValidation{Field: "financial_data", Message: err.Error()}
	}
	if v, ok := clean[KeyDebts]; ok && update.Debts == nil {
		// mapstructure leaves an empty object nil; an explicit {} still clears the debts.
		if m, _ := v.(map[string]any); len(m) == 0 {
			update.Debts = Debts{}
		}
	}

	if err := update.validateRanges(); err != nil {
		return nil, err
	}

	for _, key := range FinancialKeys {
		if _, ok := clean[key]; ok {
			update.keys = append(update.keys, key)
		}
	}
	return update, nil
}

// ParseFinancialData parses a document that must carry every financial key.
func ParseFinancialData(raw map[string]any) (FinancialData, error) {
	update, err := ParseFinancialUpdate(raw)
	if err != nil {
		return FinancialData{}, err
	}
	if !update.Complete() {
		return FinancialData{}, &ErrValidation{Field: missingKey(update), Message: "missing required field"}
	}
	return update.FinancialData(), nil
}

func (u *FinancialUpdate) validateRanges() error {
	nonNegative := []struct {
		key string
		v   *float64
	}{
		{KeyIncome, u.Income},
		{KeyExpenses, u.Expenses},
	}
	for _, f := range nonNegative {
		if f.v != nil && (*f.v < 0 || math.IsNaN(*f.v) || math.IsInf(*f.v, 0)) {
			return &ErrValidation{Field: f.key, Message: "must be a non-negative number"}
		}
	}
	if u.CreditLimit != nil && (math.IsNaN(*u.CreditLimit) || math.IsInf(*u.CreditLimit, 0)) {
		return &ErrValidation{Field: KeyCreditLimit, Message: "must be a finite number"}
	}
	if u.MissedPayments != nil && *u.MissedPayments < 0 {
		return &ErrValidation{Field: KeyMissedPayments, Message: "must be a non-negative integer"}
	}
	if u.LatePayments != nil && *u.LatePayments < 0 {
		return &ErrValidation{Field: KeyLatePayments, Message: "must be a non-negative integer"}
	}
	for name, amount := range u.Debts {
		if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
			return &ErrValidation{Field: KeyDebts + "." + name, Message: "must be a non-negative number"}
		}
	}
	return nil
}

func missingKey(u *FinancialUpdate) string {
	present := make(map[string]bool, len(u.keys))
	for _, k := range u.keys {
		present[k] = true
	}
	for _, k := range FinancialKeys {
		if !present[k] {
			return k
		}
	}
	return "financial_data"
}

func isFinancialKey(key string) bool {
	for _, k := range FinancialKeys {
		if k == key {
			return true
		}
	}
	return false
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n) == math.Trunc(float64(n))
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================
// Personal data
// ============================================================

// PersonalData is an open document carried through the workflow unmodified.
type PersonalData map[string]any

// Clone returns a shallow copy of the top-level keys.
func (p PersonalData) Clone() PersonalData {
	out := make(PersonalData, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Apply merges update into a copy of p, key by key.
func (p PersonalData) Apply(update PersonalData) PersonalData {
	out := p.Clone()
	for k, v := range update {
		out[k] = v
	}
	return out
}

// Equal compares two personal documents by their JSON encoding.
func (p PersonalData) Equal(other PersonalData) bool {
	if len(p) == 0 && len(other) == 0 {
		return true
	}
	a, errA := json.Marshal(p)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// ============================================================
// Score report
// ============================================================

// ScoreReport is the scoring engine's output. It is always derived from the
// snapshot that produced it.
type ScoreReport struct {
	CreditScore              int     `json:"credit_score"`
	DebtToIncomeRatio        float64 `json:"debt_to_income_ratio"`
	LoanToIncomeRatio        float64 `json:"loan_to_income_ratio"`
	CreditUtilizationPct     float64 `json:"credit_utilization"`
	DiscretionaryIncomeScore float64 `json:"discretionary_income_score"`
	MissedPayments           int     `json:"missed_payments"`
	LatePayments             int     `json:"late_payments"`
}
