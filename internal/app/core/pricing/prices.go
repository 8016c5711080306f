package pricing

// Prices 價目表，單位為元 (整數)，寫入收據時再乘以 100
type Prices struct {
	// BadgePrices badge_type -> 價格
	BadgePrices map[string]int64 `yaml:"badge_prices"`
	// BadgeLabels badge_type -> 顯示名稱
	BadgeLabels map[string]string `yaml:"badge_labels"`
	// GroupBadgePrice 團體每張名牌價格
	GroupBadgePrice int64 `yaml:"group_badge_price"`
	// TablePrice 每張攤位桌價格
	TablePrice int64 `yaml:"table_price"`
	// PowerPrices 電力等級 -> 價格，不在表內的等級需自訂 power_fee
	PowerPrices map[string]int64 `yaml:"power_prices"`
	// PromoCodes 折扣碼 -> 折抵金額
	PromoCodes map[string]int64 `yaml:"promo_codes"`
}

func (p Prices) badgeLabel(badgeType string) string {
	if label, ok := p.BadgeLabels[badgeType]; ok {
		return label
	}
	return titleCase(badgeType)
}
