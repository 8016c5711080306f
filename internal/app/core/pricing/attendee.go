package pricing

import (
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

const (
	fieldBadgeType     = "badge_type"
	fieldExtraDonation = "extra_donation"
	fieldAmountExtra   = "amount_extra"
	fieldOverride      = "overridden_price"
	fieldPromoCode     = "promo_code_code"
)

// AttendeeCalculators attendee 的計價設定
func AttendeeCalculators(p Prices) *CalculatorSet {
	badgeCost := func(o domain.Owner) int64 {
		v, _ := o.Value(fieldBadgeType)
		return p.BadgePrices[v]
	}
	effectiveBadgeCost := func(o domain.Owner) int64 {
		if v, _ := o.Value(fieldOverride); v != "" {
			n, _ := ParseAmount(v)
			return n
		}
		return badgeCost(o)
	}
	discount := func(code string) (int64, error) {
		if code == "" {
			return 0, nil
		}
		d, ok := p.PromoCodes[code]
		if !ok {
			return 0, domain.NewValidationError(nil, "Promo code %q is not valid", code)
		}
		return d, nil
	}

	return &CalculatorSet{
		Costs: []CostFunc{
			func(o domain.Owner) ([]Cost, bool) {
				if v, _ := o.Value(fieldOverride); v != "" {
					return []Cost{{Desc: "Custom Badge Price", Amount: effectiveBadgeCost(o) * 100, Field: fieldOverride}}, true
				}
				cost := badgeCost(o)
				if cost <= 0 {
					return nil, false
				}
				bt, _ := o.Value(fieldBadgeType)
				return []Cost{{Desc: p.badgeLabel(bt) + " Badge", Amount: cost * 100, Field: fieldBadgeType}}, true
			},
			simpleCost(fieldExtraDonation, "Extra Donation"),
			simpleCost(fieldAmountExtra, "Kick-in"),
		},
		Credits: []CostFunc{
			func(o domain.Owner) ([]Cost, bool) {
				code, _ := o.Value(fieldPromoCode)
				d, err := discount(code)
				if err != nil || d <= 0 {
					return nil, false
				}
				return []Cost{{Desc: "Promo Code", Amount: -d * 100, Field: fieldPromoCode}}, true
			},
		},
		CostChanges: map[string]ChangeRule{
			fieldBadgeType: {
				Label:  func(v string) string { return p.badgeLabel(v) + " Badge" },
				Choice: true,
				Fixed:  true,
				Func: func(o domain.Owner, newValue string) (int64, int64, error) {
					if v, _ := o.Value(fieldOverride); v != "" {
						// 自訂價格時不重新計算
						old := effectiveBadgeCost(o) * 100
						return old, 0, nil
					}
					old := badgeCost(o)
					return old * 100, (p.BadgePrices[newValue] - old) * 100, nil
				},
			},
			fieldExtraDonation: {Name: "Extra Donation"},
			fieldAmountExtra:   {Name: "Kick-in"},
			fieldOverride: {
				Name: "Custom Badge Price",
				Func: func(o domain.Owner, newValue string) (int64, int64, error) {
					n, err := ParseAmount(newValue)
					if err != nil {
						return 0, 0, err
					}
					old := effectiveBadgeCost(o)
					return old * 100, (n - old) * 100, nil
				},
			},
		},
		CreditChanges: map[string]ChangeRule{
			fieldPromoCode: {
				Name: "Promo Code",
				Func: func(o domain.Owner, newValue string) (int64, int64, error) {
					oldCode, _ := o.Value(fieldPromoCode)
					oldDiscount, err := discount(oldCode)
					if err != nil {
						oldDiscount = 0
					}
					newDiscount, err := discount(newValue)
					if err != nil {
						return 0, 0, err
					}
					return -oldDiscount * 100, -(newDiscount - oldDiscount) * 100, nil
				},
			},
		},
		Properties:    []string{fieldPromoCode},
		DefaultCost:   badgeCost,
		OverrideField: fieldOverride,
	}
}

func simpleCost(field, desc string) CostFunc {
	return func(o domain.Owner) ([]Cost, bool) {
		n := amountOf(o, field)
		if n <= 0 {
			return nil, false
		}
		return []Cost{{Desc: desc, Amount: n * 100, Field: field}}, true
	}
}
