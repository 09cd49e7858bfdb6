package subscription

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nebulachat/NebulaChat/app/models"
)

// Repository provides the DB operations used by the reconciliation engine.
// Transition is the engine's only write path for lifecycle state and tier: a
// compare-and-set on (subscription id, expected status) plus the dependent
// user columns, applied in one transaction.
type Repository interface {
	CreateSubscription(sub *models.Subscription) error
	GetByPaymentRef(ref string) (*models.Subscription, error)
	GetActiveByUser(userID uint) (*models.Subscription, error)
	GetPendingByUser(userID uint) (*models.Subscription, error)
	UpdatePaymentRef(id uint, ref string) error
	Transition(t Transition) (bool, error)
	GetUser(userID uint) (*models.User, error)
	ListExpiredActive(now time.Time, limit int) ([]models.Subscription, error)
	ListStalePending(olderThan time.Time, limit int) ([]models.Subscription, error)
	CreateEventIfNotExists(event *models.PaymentEvent) (bool, *models.PaymentEvent, error)
	MarkEventProcessed(id uint, processingError string) error
}

// Transition describes one compare-and-set state change. SubUpdates is
// applied only when the record still holds FromStatus; UserUpdates (tier,
// expiry) ride in the same transaction and only when the CAS won. With
// EnsureSoleActive set, a transition that would make the record active is
// refused while another active record exists for the same user: the record
// is parked as failed instead, keeping at most one active grant per user.
type Transition struct {
	SubID            uint
	FromStatus       string
	SubUpdates       map[string]interface{}
	UserID           uint
	UserUpdates      map[string]interface{}
	EnsureSoleActive bool
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a reconciliation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

func (r *gormRepository) GetByPaymentRef(ref string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("payment_ref = ?", ref).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetActiveByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusActive).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetPendingByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusPending).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpdatePaymentRef(id uint, ref string) error {
	return r.db.Model(&models.Subscription{}).Where("id = ?", id).
		Update("payment_ref", ref).Error
}

func (r *gormRepository) Transition(t Transition) (bool, error) {
	applied := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if t.EnsureSoleActive && t.UserID != 0 {
			var other models.Subscription
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND status = ? AND id <> ?",
					t.UserID, models.SubscriptionStatusActive, t.SubID).
				First(&other).Error
			if err == nil {
				// Another grant already holds the slot; park this record
				// instead of activating a second one.
				return tx.Model(&models.Subscription{}).
					Where("id = ? AND status = ?", t.SubID, t.FromStatus).
					Update("status", models.SubscriptionStatusFailed).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", t.SubID, t.FromStatus).
			Updates(t.SubUpdates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// CAS lost: someone else already moved the record on.
			return nil
		}
		applied = true
		if t.UserID != 0 && len(t.UserUpdates) > 0 {
			if err := tx.Model(&models.User{}).
				Where("id = ?", t.UserID).
				Updates(t.UserUpdates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return applied, err
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) ListExpiredActive(now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.
		Where("status = ? AND current_period_end IS NOT NULL AND current_period_end <= ?",
			models.SubscriptionStatusActive, now).
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListStalePending(olderThan time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.
		Where("status = ? AND updated_at <= ?", models.SubscriptionStatusPending, olderThan).
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateEventIfNotExists(event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkEventProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.PaymentEvent{}).Where("id = ?", id).Updates(updates).Error
}
