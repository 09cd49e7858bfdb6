package repository

import (
	"github.com/nebulachat/NebulaChat/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// ChatRepository defines the interface for chat and message operations
type ChatRepository interface {
	Create(chat *models.Chat) error
	GetByUUID(uuid string) (*models.Chat, error)
	GetByUUIDWithMessages(uuid string) (*models.Chat, error)
	GetByUserID(userID uint, offset, limit int) ([]models.Chat, error)
	Update(chat *models.Chat) error
	Delete(id uint) error
	AppendMessage(msg *models.ChatMessage) error
	CountByUserID(userID uint) (int64, error)
}

// ChatModelRepository defines the interface for the model catalog
type ChatModelRepository interface {
	GetByKey(key string) (*models.ChatModel, error)
	GetActive() ([]models.ChatModel, error)
}

// SettingRepository defines the interface for application settings
type SettingRepository interface {
	Get() (*models.AppSettings, error)
	Save(settings *models.AppSettings) error
	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	User      UserRepository
	Chat      ChatRepository
	ChatModel ChatModelRepository
	Setting   SettingRepository
}
