package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
	SaveUserBilling(ctx context.Context, user *models.User) error
	ListDowngradeCandidates(ctx context.Context, afterID uint, limit int) ([]models.User, error)

	GetRecordByUserID(ctx context.Context, userID uint) (*models.BillingRecord, error)
	GetRecordBySubscriptionID(ctx context.Context, gateway models.Gateway, subscriptionID string) (*models.BillingRecord, error)
	UpsertRecord(ctx context.Context, record *models.BillingRecord) error
	AppendPayment(ctx context.Context, payment *models.BillingPayment) (bool, error)
	CountPayments(ctx context.Context, recordID uint) (int64, error)

	FindActivePlanMapping(ctx context.Context, gateway models.Gateway, plan models.PackageType) (*models.BillingPlanMapping, error)
	FindPlanByRef(ctx context.Context, gateway models.Gateway, planRef string) (*models.BillingPlanMapping, error)
	GetBillingAccount(ctx context.Context, userID uint, gateway models.Gateway) (*models.BillingAccount, error)
	UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error

	// Transaction runs fn against a repository bound to one DB transaction.
	Transaction(ctx context.Context, fn func(repo Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SaveUserBilling writes only the billing columns of the user row.
func (r *gormRepository) SaveUserBilling(ctx context.Context, user *models.User) error {
	updates := map[string]interface{}{
		"package_type":        user.PackageType,
		"subscription_status": user.SubscriptionStatus,
		"is_in_trial_period":  user.IsInTrialPeriod,
		"trial_ends_date":     user.TrialEndsDate,
		"last_payment_date":   user.LastPaymentDate,
		"next_billing_date":   user.NextBillingDate,
	}
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error
}

// ListDowngradeCandidates pages through users on a paid package, ordered by id.
func (r *gormRepository) ListDowngradeCandidates(ctx context.Context, afterID uint, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("id > ? AND package_type <> ?", afterID, models.PackageLite).
		Order("id ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (r *gormRepository) GetRecordByUserID(ctx context.Context, userID uint) (*models.BillingRecord, error) {
	var rec models.BillingRecord
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) GetRecordBySubscriptionID(ctx context.Context, gateway models.Gateway, subscriptionID string) (*models.BillingRecord, error) {
	column := "stripe_subscription_id"
	if gateway == models.GatewayRazorpay {
		column = "razorpay_subscription_id"
	}
	var rec models.BillingRecord
	if err := r.db.WithContext(ctx).Where(column+" = ?", subscriptionID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertRecord validates and writes the record keyed by user_id.
func (r *gormRepository) UpsertRecord(ctx context.Context, record *models.BillingRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_type",
			"gateway_owner",
			"stripe_subscription_id",
			"razorpay_subscription_id",
			"gateway_plan_ref",
			"status",
			"payment_status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"trial_days",
			"last_event_at",
			"updated_at",
		}),
	}).Create(record).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.WithContext(ctx).Where("user_id = ?", record.UserID).First(record).Error
}

// AppendPayment inserts a payment entry. It reports false when the gateway
// payment id was already recorded.
func (r *gormRepository) AppendPayment(ctx context.Context, payment *models.BillingPayment) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "payment_id"},
		},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CountPayments(ctx context.Context, recordID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BillingPayment{}).Where("billing_record_id = ?", recordID).Count(&n).Error
	return n, err
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, gateway models.Gateway, plan models.PackageType) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("gateway = ? AND plan_type = ? AND is_active = ?", gateway, plan, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) FindPlanByRef(ctx context.Context, gateway models.Gateway, planRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("gateway = ? AND gateway_plan_ref = ? AND is_active = ?", gateway, planRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) GetBillingAccount(ctx context.Context, userID uint, gateway models.Gateway) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).Where("user_id = ? AND gateway = ?", userID, gateway).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "gateway"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"gateway_customer_id",
			"email",
			"updated_at",
		}),
	}).Create(account).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).Where("user_id = ? AND gateway = ?", account.UserID, account.Gateway).
		First(account).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway"},
			{Name: "gateway_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("gateway = ? AND gateway_event_id = ?", event.Gateway, event.GatewayEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}
