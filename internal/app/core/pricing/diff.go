package pricing

import (
	"fmt"
	"slices"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

// NoOverrideParam 清除自訂價格的表單參數
const NoOverrideParam = "no_override"

// Plan 一次參數更新產生的項目與要寫回擁有者的欄位
type Plan struct {
	Changes []Change
	Updates map[string]string
}

func (p *Plan) add(c Change) {
	if c.Delta == 0 {
		return
	}
	p.Changes = append(p.Changes, c)
}

func (p *Plan) set(field, value string) {
	if p.Updates == nil {
		p.Updates = make(map[string]string)
	}
	p.Updates[field] = value
}

// Diff 比對表單參數與已持久化的值，回傳每個實際變動的金額
//
// 只比對 schema 欄位與 Properties 內的計算屬性。params 不會被修改。
func (r *Registry) Diff(o domain.Owner, in map[string]string) (*Plan, error) {
	set, err := r.Set(o.Ref().Kind)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(in))
	for k, v := range in {
		params[k] = v
	}
	plan := &Plan{}
	noOverride := IsTruthy(params[NoOverrideParam])

	if set.OverrideField != "" {
		current, _ := o.Value(set.OverrideField)
		if current != "" && noOverride {
			currentCost, err := ParseAmount(current)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", set.OverrideField, err)
			}
			plan.add(revertChange(currentCost, set.DefaultCost(o),
				map[string]string{set.OverrideField: current}))
			plan.set(set.OverrideField, "")
		}
	}

	if set.RecalcField != "" {
		recalcOn := true
		if v, ok := o.Value(set.RecalcField); ok {
			recalcOn = IsTruthy(v)
		}
		wantRecalc := recalcOn
		if v, ok := params[set.RecalcField]; ok {
			wantRecalc = IsTruthy(v)
		}
		if !recalcOn && wantRecalc {
			currentCost := amountOf(o, set.CostField)
			newCost := set.DefaultCost(o)
			plan.add(revertChange(currentCost, newCost, map[string]string{
				set.RecalcField: "false",
				set.CostField:   fmt.Sprint(currentCost),
			}))
			plan.set(set.RecalcField, "true")
			plan.set(set.CostField, fmt.Sprint(newCost))
		}
		if !wantRecalc {
			// 自訂總價時只計算 cost 欄位
			if v, ok := params[set.CostField]; ok {
				return r.single(plan, o, set.CostField, v)
			}
			return plan, nil
		}
		delete(params, set.CostField)
	}

	if set.OverrideField != "" {
		if v, ok := params[set.OverrideField]; ok && !noOverride && v != "" {
			return r.single(plan, o, set.OverrideField, v)
		}
		delete(params, set.OverrideField)
	}

	if set.CustomFee != nil {
		if field, consumed, ok := set.CustomFee(params); ok {
			c, err := r.ComputeChange(o, field, params[field])
			if err != nil {
				return nil, err
			}
			plan.add(c)
			plan.set(field, params[field])
			for _, k := range consumed {
				if v, ok := params[k]; ok && k != field {
					plan.set(k, v)
				}
				delete(params, k)
			}
		}
	}

	for _, key := range domain.SortedKeys(params) {
		if !slices.Contains(o.SchemaFields(), key) && !slices.Contains(set.Properties, key) {
			continue
		}
		val := params[key]
		if old, _ := o.Value(key); old == val {
			continue
		}
		_, isCredit := set.CreditChanges[key]
		_, isCost := set.CostChanges[key]
		plan.set(key, val)
		if !isCredit && !isCost {
			continue
		}
		c, err := r.ComputeChange(o, key, val)
		if err != nil {
			return nil, err
		}
		plan.add(c)
	}
	return plan, nil
}

func (r *Registry) single(plan *Plan, o domain.Owner, field, value string) (*Plan, error) {
	if old, _ := o.Value(field); old == value {
		return plan, nil
	}
	c, err := r.ComputeChange(o, field, value)
	if err != nil {
		return nil, err
	}
	plan.add(c)
	plan.set(field, value)
	return plan, nil
}

func revertChange(currentCost, newCost int64, revert map[string]string) Change {
	return Change{
		Desc:         fmt.Sprintf("Reverting to default price from custom price of $%d", currentCost),
		OldCost:      currentCost * 100,
		Delta:        (newCost - currentCost) * 100,
		Count:        1,
		RevertChange: revert,
	}
}
