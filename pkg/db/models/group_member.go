package models

import (
	"time"

	"github.com/google/uuid"
)

// GroupMember enrolls one user into a group subscription. The member count
// is capped at the subscription's group size, enforced at mutation time.
// Membership is orthogonal state: cancelling the subscription keeps rows.
type GroupMember struct {
	ID             uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID uuid.UUID `gorm:"column:subscription_id;type:uuid;not null;uniqueIndex:idx_group_member"`
	UserID         int64     `gorm:"column:user_id;not null;uniqueIndex:idx_group_member"`
	DisplayName    string    `gorm:"column:display_name;not null"`
	AddedAt        time.Time `gorm:"column:added_at;autoCreateTime"`
}
