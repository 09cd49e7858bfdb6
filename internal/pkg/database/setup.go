package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

func SetupDatabase() {
	var err error
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{})
		if err == nil {
			DB.AutoMigrate(
				&models.User{},
				&models.Subscription{},
				&models.PaymentEvent{},
				&models.Chat{},
				&models.ChatMessage{},
				&models.ChatModel{},
				&models.Setting{},
			)

			seedChatModels(DB)
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// seedChatModels inserts the default model catalog when the table is empty.
func seedChatModels(db *gorm.DB) {
	var count int64
	if err := db.Model(&models.ChatModel{}).Count(&count).Error; err != nil {
		log.Printf("Failed to count chat models: %v", err)
		return
	}
	if count > 0 {
		return
	}
	for _, m := range models.DefaultChatModels() {
		if err := db.Create(&m).Error; err != nil {
			log.Printf("Failed to seed chat model %s: %v", m.ModelKey, err)
		}
	}
}

func GetDB() *gorm.DB {
	return DB
}

// SetDB overrides the database handle; used by tests.
func SetDB(db *gorm.DB) {
	DB = db
}
