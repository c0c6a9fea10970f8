package repository

import (
	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/billing"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	UpdateAPIKey(user *models.User) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
	CountByPlan() (map[models.PackageType]int64, error)
	CountBySubscriptionStatus() (map[models.SubscriptionStatus]int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User    UserRepository
	Billing billing.Repository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:    NewUserRepository(db),
		Billing: billing.NewRepository(db),
	}
}
