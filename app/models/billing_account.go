package models

import "time"

// BillingAccount links a user to the customer object a gateway keeps for them.
type BillingAccount struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"not null;index:ux_billing_accounts_user_gateway,unique" json:"user_id"`
	Gateway           Gateway   `gorm:"type:varchar(20);not null;index:ux_billing_accounts_user_gateway,unique;index:ux_billing_accounts_gateway_customer,unique,priority:1" json:"gateway"`
	GatewayCustomerID string    `gorm:"type:varchar(191);not null;index:ux_billing_accounts_gateway_customer,unique,priority:2" json:"gateway_customer_id"`
	Email             string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
