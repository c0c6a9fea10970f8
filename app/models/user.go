package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// PackageType is the plan a user has been granted. LITE is the free tier.
type PackageType string

const (
	PackageLite   PackageType = "LITE"
	PackagePro    PackageType = "PRO"
	PackageAgency PackageType = "AGENCY"
)

// IsPaid reports whether the package needs a billing record.
func (p PackageType) IsPaid() bool {
	return p == PackagePro || p == PackageAgency
}

// SubscriptionStatus is the subscription state mirrored on the user row.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
)

type User struct {
	ID                 uint               `gorm:"primaryKey" json:"id"`
	Name               string             `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email              string             `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Role               string             `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status             string             `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	APIKeyHash         string             `gorm:"type:char(64);default:'';index" json:"-"`
	APIKeyPrefix       string             `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	PackageType        PackageType        `gorm:"type:varchar(20);not null;default:'LITE';index" json:"package_type" validate:"oneof=LITE PRO AGENCY"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:varchar(20);not null;default:'inactive'" json:"subscription_status" validate:"oneof=active inactive cancelled past_due trialing"`
	IsInTrialPeriod    bool               `gorm:"default:false" json:"is_in_trial_period"`
	TrialEndsDate      *time.Time         `gorm:"type:timestamp;default:null" json:"trial_ends_date,omitempty"`
	LastPaymentDate    *time.Time         `gorm:"type:timestamp;default:null" json:"last_payment_date,omitempty"`
	NextBillingDate    *time.Time         `gorm:"type:timestamp;default:null" json:"next_billing_date,omitempty"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt     `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(username string, email string) (*User, error) {
	u := &User{
		Name:               username,
		Email:              email,
		Role:               ROLE_USER,
		Status:             STATUS_ACTIVE,
		PackageType:        PackageLite,
		SubscriptionStatus: SubscriptionInactive,
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

// StartTrial flags the user as trialing the given package until endsAt.
func (u *User) StartTrial(pkg PackageType, endsAt time.Time) {
	u.PackageType = pkg
	u.SubscriptionStatus = SubscriptionTrialing
	u.IsInTrialPeriod = true
	u.TrialEndsDate = &endsAt
}

// DowngradeToLite moves the user onto the free tier. Trial flags are cleared.
func (u *User) DowngradeToLite(status SubscriptionStatus) {
	u.PackageType = PackageLite
	u.SubscriptionStatus = status
	u.IsInTrialPeriod = false
	u.TrialEndsDate = nil
	u.NextBillingDate = nil
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "lp_"

// IssueAPIKey generates a new API key, stores its hash on the struct and returns the raw secret.
// Callers must persist the struct via the database after invoking this method.
func (u *User) IssueAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 12 {
		return "", fmt.Errorf("api key generation failed: key too short")
	}
	u.APIKeyHash = HashAPIKey(rawKey)
	u.APIKeyPrefix = rawKey[:16]
	return rawKey, nil
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
