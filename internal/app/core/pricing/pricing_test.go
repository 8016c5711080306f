package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

func testPrices() Prices {
	return Prices{
		BadgePrices:     map[string]int64{"attendee": 50, "vip": 100},
		BadgeLabels:     map[string]string{"vip": "VIP"},
		GroupBadgePrice: 20,
		TablePrice:      100,
		PowerPrices:     map[string]int64{"0": 0, "1": 50, "2": 100},
		PromoCodes:      map[string]int64{"SAVE10": 10, "SAVE20": 20},
	}
}

func newAttendee(fields map[string]string) *domain.Attendee {
	return &domain.Attendee{Record: domain.Record{ID: "a1", Paid: domain.PaidNotPaid, Fields: fields}}
}

func newGroup(fields map[string]string) *domain.Group {
	return &domain.Group{Record: domain.Record{ID: "g1", Paid: domain.PaidNotPaid, Fields: fields}}
}

func TestComputeChangeWording(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())

	tests := []struct {
		name      string
		fields    map[string]string
		field     string
		value     string
		wantDesc  string
		wantDelta int64
	}{
		{"adding simple field", map[string]string{"extra_donation": "0"}, "extra_donation", "10", "Adding Extra Donation", 1000},
		{"removing simple field", map[string]string{"extra_donation": "10"}, "extra_donation", "0", "Removing Extra Donation", -1000},
		{"increasing simple field", map[string]string{"extra_donation": "10"}, "extra_donation", "25", "Increasing Extra Donation", 1500},
		{"decreasing simple field", map[string]string{"amount_extra": "25"}, "amount_extra", "5", "Decreasing Kick-in", -2000},
		{"choice field upgrade", map[string]string{"badge_type": "attendee"}, "badge_type", "vip", "Upgrading VIP Badge", 5000},
		{"choice field downgrade", map[string]string{"badge_type": "vip"}, "badge_type", "attendee", "Downgrading Attendee Badge", -5000},
		{"promo added", map[string]string{}, "promo_code_code", "SAVE10", "Promo Code Added", -1000},
		{"promo removed", map[string]string{"promo_code_code": "SAVE10"}, "promo_code_code", "", "Promo Code Removed", 1000},
		{"promo changed", map[string]string{"promo_code_code": "SAVE10"}, "promo_code_code", "SAVE20", "Promo Code Changed", -1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := reg.ComputeChange(newAttendee(tt.fields), tt.field, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDesc, c.Desc)
			assert.Equal(t, tt.wantDelta, c.Delta)
		})
	}
}

func TestComputeChangeRejectsUnknownPromo(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	_, err := reg.ComputeChange(newAttendee(nil), "promo_code_code", "BOGUS")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestDiffOverrideToggle(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	a := newAttendee(map[string]string{"badge_type": "attendee", "overridden_price": ""})

	plan, err := reg.Diff(a, map[string]string{"overridden_price": "40"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, int64(-1000), plan.Changes[0].Delta)
	for k, v := range plan.Updates {
		a.SetValue(k, v)
	}

	plan, err = reg.Diff(a, map[string]string{"no_override": "true", "overridden_price": "40"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, int64((50-40)*100), plan.Changes[0].Delta)
	assert.Equal(t, "Reverting to default price from custom price of $40", plan.Changes[0].Desc)
	assert.Equal(t, "", plan.Updates["overridden_price"])
}

func TestDiffIgnoresUnknownAndUnchangedFields(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	a := newAttendee(map[string]string{"badge_type": "attendee", "extra_donation": "5"})

	plan, err := reg.Diff(a, map[string]string{
		"badge_type":     "attendee",
		"extra_donation": "15",
		"first_name":     "Sam",
	})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "Increasing Extra Donation", plan.Changes[0].Desc)
	assert.Equal(t, map[string]string{"extra_donation": "5"}, plan.Changes[0].RevertChange)
	assert.NotContains(t, plan.Updates, "first_name")
}

func TestDiffGroupBadgesProperty(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	g := newGroup(map[string]string{"badges": "5", "tables": "1", "power": "0"})

	plan, err := reg.Diff(g, map[string]string{"badges": "8"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "Increasing Badges", plan.Changes[0].Desc)
	assert.Equal(t, int64(3*20*100), plan.Changes[0].Delta)
	assert.Nil(t, plan.Changes[0].RevertChange)
}

func TestDiffGroupCustomPowerFee(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	g := newGroup(map[string]string{"badges": "2", "power": "0", "power_fee": "0"})

	plan, err := reg.Diff(g, map[string]string{"power": "5", "power_fee": "75"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "Adding Custom Power Fee", plan.Changes[0].Desc)
	assert.Equal(t, int64(7500), plan.Changes[0].Delta)
	assert.Equal(t, "5", plan.Updates["power"])
	assert.Equal(t, "75", plan.Updates["power_fee"])
}

func TestDiffGroupAutoRecalcReenabled(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	g := newGroup(map[string]string{
		"badges": "5", "tables": "1", "power": "0",
		"auto_recalc": "false", "cost": "150",
	})

	plan, err := reg.Diff(g, map[string]string{"auto_recalc": "true"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, int64((200-150)*100), plan.Changes[0].Delta)
	assert.Equal(t, "200", plan.Updates["cost"])
}

func TestDiffGroupCustomCost(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	g := newGroup(map[string]string{"badges": "5", "auto_recalc": "false", "cost": "150"})

	plan, err := reg.Diff(g, map[string]string{"cost": "120", "badges": "9"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "Decreasing Custom Group Price", plan.Changes[0].Desc)
	assert.Equal(t, int64(-3000), plan.Changes[0].Delta)
}

func TestInitialItems(t *testing.T) {
	reg := NewDefaultRegistry(testPrices())
	a := newAttendee(map[string]string{"badge_type": "vip", "extra_donation": "20", "promo_code_code": "SAVE10"})

	items, err := reg.InitialItems(a)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "VIP Badge", items[0].Desc)
	assert.Equal(t, int64(10000), items[0].Amount)
	assert.Equal(t, "Extra Donation", items[1].Desc)
	assert.Equal(t, int64(-1000), items[2].Amount)

	g := newGroup(map[string]string{"badges": "4", "tables": "2", "power": "1"})
	items, err = reg.InitialItems(g)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 4, items[0].Count)
	assert.Equal(t, "Power Level 1", items[2].Desc)
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.OwnerKindAttendee, AttendeeCalculators(testPrices()))

	err := reg.Validate(domain.OwnerKindAttendee, domain.OwnerKindGroup)
	assert.ErrorIs(t, err, domain.ErrUnknownOwnerKind)

	require.NoError(t, NewDefaultRegistry(testPrices()).Validate(domain.OwnerKindAttendee, domain.OwnerKindGroup))
}
