package models

import (
	"time"

	"github.com/lib/pq"

	"github.com/kinoclub/billing-engine/pkg/enums"
)

// PlanCatalogEntry carries the static display metadata for one plan type.
// Prices live in the pricing table, not here.
type PlanCatalogEntry struct {
	PlanType  enums.PlanType `gorm:"column:plan_type;primaryKey"`
	Title     string         `gorm:"column:title;not null"`
	Features  pq.StringArray `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	SortOrder int            `gorm:"column:sort_order;not null;default:0"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
