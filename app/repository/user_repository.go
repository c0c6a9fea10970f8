package repository

import (
	"strings"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"gorm.io/gorm"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(user *models.User) error {
	return r.db.Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail retrieves a user by their email address
func (r *userRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("email = ?", strings.TrimSpace(email)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAPIKeyHash resolves an API key hash to its user.
func (r *userRepository) GetByAPIKeyHash(hash string) (*models.User, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	if err := r.db.Where("api_key_hash = ?", trimmed).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateAPIKey stores the key hash and prefix written by User.IssueAPIKey.
func (r *userRepository) UpdateAPIKey(user *models.User) error {
	return r.db.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"api_key_hash":   user.APIKeyHash,
		"api_key_prefix": user.APIKeyPrefix,
	}).Error
}

// List retrieves a paginated list of users
func (r *userRepository) List(offset, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.Order("id ASC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

// Count returns the total number of users
func (r *userRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.User{}).Count(&count).Error
	return count, err
}

type groupCount struct {
	Key   string
	Total int64
}

// CountByPlan returns the number of users per package type
func (r *userRepository) CountByPlan() (map[models.PackageType]int64, error) {
	var rows []groupCount
	err := r.db.Model(&models.User{}).
		Select("package_type AS `key`, COUNT(*) AS total").
		Group("package_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.PackageType]int64, len(rows))
	for _, row := range rows {
		out[models.PackageType(row.Key)] = row.Total
	}
	return out, nil
}

// CountBySubscriptionStatus returns the number of users per mirrored subscription status
func (r *userRepository) CountBySubscriptionStatus() (map[models.SubscriptionStatus]int64, error) {
	var rows []groupCount
	err := r.db.Model(&models.User{}).
		Select("subscription_status AS `key`, COUNT(*) AS total").
		Group("subscription_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.SubscriptionStatus]int64, len(rows))
	for _, row := range rows {
		out[models.SubscriptionStatus(row.Key)] = row.Total
	}
	return out, nil
}
