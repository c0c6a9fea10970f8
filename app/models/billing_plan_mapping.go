package models

import "time"

// BillingPlanMapping maps an internal plan to the plan/price id a gateway
// expects when a subscription is created.
type BillingPlanMapping struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Gateway        Gateway     `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_plan,unique,priority:1" json:"gateway"`
	PlanType       PackageType `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_plan,unique,priority:2" json:"plan_type"`
	GatewayPlanRef string      `gorm:"type:varchar(191);not null;index" json:"gateway_plan_ref"`
	IsActive       bool        `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
