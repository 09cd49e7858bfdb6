package repository

import (
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
)

// chatRepository implements the ChatRepository interface
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository instance
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// Create creates a new chat in the database
func (r *chatRepository) Create(chat *models.Chat) error {
	return r.db.Create(chat).Error
}

// GetByUUID retrieves a chat without its messages
func (r *chatRepository) GetByUUID(uuid string) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.Where("uuid = ?", uuid).First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetByUUIDWithMessages retrieves a chat with its messages in send order
func (r *chatRepository) GetByUUIDWithMessages(uuid string) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("chat_messages.id ASC")
	}).Where("uuid = ?", uuid).First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetByUserID retrieves a user's chats, newest first
func (r *chatRepository) GetByUserID(userID uint, offset, limit int) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.db.Where("user_id = ?", userID).Order("updated_at DESC").Offset(offset).Limit(limit).Find(&chats).Error
	return chats, err
}

// Update updates an existing chat
func (r *chatRepository) Update(chat *models.Chat) error {
	return r.db.Save(chat).Error
}

// Delete removes a chat and its messages
func (r *chatRepository) Delete(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&models.ChatMessage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Chat{}, id).Error
	})
}

// AppendMessage stores one message and bumps the chat's updated_at
func (r *chatRepository) AppendMessage(msg *models.ChatMessage) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Chat{}).Where("id = ?", msg.ChatID).Update("updated_at", gorm.Expr("NOW()")).Error
	})
}

// CountByUserID returns how many chats a user owns
func (r *chatRepository) CountByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Chat{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
