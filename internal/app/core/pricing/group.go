package pricing

import (
	"fmt"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

const (
	fieldBadges     = "badges"
	fieldTables     = "tables"
	fieldPower      = "power"
	fieldPowerFee   = "power_fee"
	fieldCost       = "cost"
	fieldAutoRecalc = "auto_recalc"
)

// GroupCalculators group 的計價設定
func GroupCalculators(p Prices) *CalculatorSet {
	recalcOn := func(o domain.Owner) bool {
		v, ok := o.Value(fieldAutoRecalc)
		return !ok || IsTruthy(v)
	}
	powerCost := func(o domain.Owner) int64 {
		level, _ := o.Value(fieldPower)
		if price, ok := p.PowerPrices[level]; ok {
			return price
		}
		return amountOf(o, fieldPowerFee)
	}
	countChange := func(field string, unit int64) ChangeFunc {
		return func(o domain.Owner, newValue string) (int64, int64, error) {
			n, err := ParseAmount(newValue)
			if err != nil {
				return 0, 0, err
			}
			old := amountOf(o, field)
			return old * unit * 100, (n - old) * unit * 100, nil
		}
	}
	defaultCost := func(o domain.Owner) int64 {
		return amountOf(o, fieldBadges)*p.GroupBadgePrice +
			amountOf(o, fieldTables)*p.TablePrice +
			powerCost(o)
	}

	return &CalculatorSet{
		Costs: []CostFunc{
			func(o domain.Owner) ([]Cost, bool) {
				if recalcOn(o) {
					return nil, false
				}
				cost := amountOf(o, fieldCost)
				if cost <= 0 {
					return nil, false
				}
				return []Cost{{Desc: "Custom Group Price", Amount: cost * 100, Field: fieldCost}}, true
			},
			func(o domain.Owner) ([]Cost, bool) {
				n := amountOf(o, fieldBadges)
				if !recalcOn(o) || n <= 0 || p.GroupBadgePrice <= 0 {
					return nil, false
				}
				return []Cost{{Desc: "Group Badge", Amount: p.GroupBadgePrice * 100, Count: int(n)}}, true
			},
			func(o domain.Owner) ([]Cost, bool) {
				n := amountOf(o, fieldTables)
				if !recalcOn(o) || n <= 0 || p.TablePrice <= 0 {
					return nil, false
				}
				return []Cost{{Desc: "Table", Amount: p.TablePrice * 100, Count: int(n), Field: fieldTables}}, true
			},
			func(o domain.Owner) ([]Cost, bool) {
				cost := powerCost(o)
				if !recalcOn(o) || cost <= 0 {
					return nil, false
				}
				level, _ := o.Value(fieldPower)
				if _, ok := p.PowerPrices[level]; !ok {
					return []Cost{{Desc: "Custom Power Fee", Amount: cost * 100, Field: fieldPowerFee}}, true
				}
				return []Cost{{Desc: fmt.Sprintf("Power Level %s", level), Amount: cost * 100, Field: fieldPower}}, true
			},
		},
		CostChanges: map[string]ChangeRule{
			fieldBadges: {Name: "Badges", Func: countChange(fieldBadges, p.GroupBadgePrice), NoRevert: true},
			fieldTables: {Name: "Tables", Func: countChange(fieldTables, p.TablePrice)},
			fieldPower: {
				Name:   "Power",
				Choice: true,
				Func: func(o domain.Owner, newValue string) (int64, int64, error) {
					old := powerCost(o)
					return old * 100, (p.PowerPrices[newValue] - old) * 100, nil
				},
			},
			fieldPowerFee: {Name: "Custom Power Fee"},
			fieldCost: {
				Name: "Custom Group Price",
				Func: func(o domain.Owner, newValue string) (int64, int64, error) {
					n, err := ParseAmount(newValue)
					if err != nil {
						return 0, 0, err
					}
					old := defaultCost(o)
					if !recalcOn(o) {
						old = amountOf(o, fieldCost)
					}
					return old * 100, (n - old) * 100, nil
				},
			},
		},
		Properties:  []string{fieldBadges},
		DefaultCost: defaultCost,
		RecalcField: fieldAutoRecalc,
		CostField:   fieldCost,
		CustomFee: func(params map[string]string) (string, []string, bool) {
			fee, ok := params[fieldPowerFee]
			if !ok || fee == "" {
				return "", nil, false
			}
			if _, priced := p.PowerPrices[params[fieldPower]]; priced {
				return "", nil, false
			}
			return fieldPowerFee, []string{fieldPower, fieldPowerFee}, true
		},
	}
}
