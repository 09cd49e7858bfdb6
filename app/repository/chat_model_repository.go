package repository

import (
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
)

// chatModelRepository implements the ChatModelRepository interface
type chatModelRepository struct {
	db *gorm.DB
}

// NewChatModelRepository creates a new chat model repository instance
func NewChatModelRepository(db *gorm.DB) ChatModelRepository {
	return &chatModelRepository{db: db}
}

// GetByKey retrieves a catalog entry by its model key
func (r *chatModelRepository) GetByKey(key string) (*models.ChatModel, error) {
	var m models.ChatModel
	err := r.db.Where("model_key = ?", key).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetActive retrieves all models currently offered to users
func (r *chatModelRepository) GetActive() ([]models.ChatModel, error) {
	var out []models.ChatModel
	err := r.db.Where("is_active = ?", true).Order("model_key ASC").Find(&out).Error
	return out, err
}
