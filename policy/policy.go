/*
Package policy defines earning programs: how platform events (orders,
reviews, posts) translate into point accruals.

PURPOSE:
  The ledger engine only accepts whole positive point amounts. This
  package owns the step before that: applying fractional earn rates to
  monetary order totals, fixed bonuses for content events, and each
  program's expiry horizon and reference group. Amounts are computed
  with decimal arithmetic and floored, never rounded up - the platform
  must not grant fractions of a point or err in the user's favor by
  accident.

AVAILABLE PROGRAMS:
  PurchaseProgram:  rate-based (e.g. 1 point per 100 spent), 1y expiry
  ReviewProgram:    fixed bonus per product review, 180d expiry
  PostProgram:      fixed bonus per community post, 90d expiry

EXAMPLE:
  prog := policy.PurchaseProgram(decimal.NewFromFloat(0.01)) // 1%
  in, ok := prog.Accrual("u-42", "order-123", orderTotal)
  if ok {
      entry, err := svc.Accrue(ctx, in)
  }

SEE ALSO:
  - ledger/service.go: Accrue, the consumer of AccrualInput
*/
package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/point-ledger/ledger"
)

// =============================================================================
// EARNING
// =============================================================================

// Earning computes the points granted for an event. The argument is the
// event's monetary value; fixed-bonus earnings ignore it.
type Earning interface {
	Points(value decimal.Decimal) int64
}

// Rate grants points proportionally to the event value, floored to a
// whole point. Non-positive values earn nothing.
type Rate struct {
	PerUnit decimal.Decimal // points per currency unit
}

func (r Rate) Points(value decimal.Decimal) int64 {
	if !value.IsPositive() {
		return 0
	}
	return value.Mul(r.PerUnit).Floor().IntPart()
}

// Fixed grants a flat amount regardless of event value.
type Fixed struct {
	Amount int64
}

func (f Fixed) Points(decimal.Decimal) int64 {
	if f.Amount < 0 {
		return 0
	}
	return f.Amount
}

// =============================================================================
// PROGRAM
// =============================================================================

// Program binds an earning rule to the audit tags and expiry horizon
// its accruals carry.
type Program struct {
	Name           string
	ReferenceGroup string
	Expiry         time.Duration
	Earning        Earning
}

// Accrual builds the ledger input for one event. Returns false when the
// event earns nothing, in which case no ledger entry should be written.
func (p Program) Accrual(userID, referenceCode string, value decimal.Decimal) (ledger.AccrualInput, bool) {
	points := p.Earning.Points(value)
	if points <= 0 {
		return ledger.AccrualInput{}, false
	}
	return ledger.AccrualInput{
		UserID:         userID,
		Amount:         points,
		Expiry:         p.Expiry,
		ReferenceGroup: p.ReferenceGroup,
		ReferenceCode:  referenceCode,
		Note:           p.Name,
	}, true
}

// =============================================================================
// PRE-BUILT PROGRAMS
// =============================================================================

// PurchaseProgram earns points on order totals at the given rate.
// Points ride the ledger's default one-year horizon.
func PurchaseProgram(perUnit decimal.Decimal) Program {
	return Program{
		Name:           "purchase points",
		ReferenceGroup: "order",
		Expiry:         ledger.DefaultExpiry,
		Earning:        Rate{PerUnit: perUnit},
	}
}

// ReviewProgram grants a fixed bonus per product review.
func ReviewProgram(points int64) Program {
	return Program{
		Name:           "review bonus",
		ReferenceGroup: "review",
		Expiry:         180 * 24 * time.Hour,
		Earning:        Fixed{Amount: points},
	}
}

// PostProgram grants a fixed bonus per community post.
func PostProgram(points int64) Program {
	return Program{
		Name:           "post bonus",
		ReferenceGroup: "post",
		Expiry:         90 * 24 * time.Hour,
		Earning:        Fixed{Amount: points},
	}
}
