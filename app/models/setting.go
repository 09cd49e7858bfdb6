package models

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings represents the application settings structure
type AppSettings struct {
	SiteTitle                    string `json:"site_title" validate:"required,min=1,max=255"`
	SiteDescription              string `json:"site_description" validate:"max=500"`
	ChatEnabled                  bool   `json:"chat_enabled"`
	SubscriptionSweepIntervalMin int    `json:"subscription_sweep_interval_min"`
	PendingRequeryIntervalMin    int    `json:"pending_requery_interval_min"`
	PendingStaleThresholdMin     int    `json:"pending_stale_threshold_min"`
	mu                           sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// GetAppSettings returns the current application settings
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return appSettings
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	// Initialize with defaults
	appSettings = &AppSettings{
		SiteTitle:                    "NebulaChat",
		SiteDescription:              "AI chat with tiered subscriptions",
		ChatEnabled:                  true,
		SubscriptionSweepIntervalMin: 60,
		PendingRequeryIntervalMin:    5,
		PendingStaleThresholdMin:     2,
	}

	// Load settings from database
	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Apply loaded settings
	for _, setting := range settings {
		switch setting.Key {
		case "site_title":
			appSettings.SiteTitle = setting.Value
		case "site_description":
			appSettings.SiteDescription = setting.Value
		case "chat_enabled":
			appSettings.ChatEnabled = setting.Value == "true"
		case "subscription_sweep_interval_min":
			if v, err := strconv.Atoi(setting.Value); err == nil && v > 0 {
				appSettings.SubscriptionSweepIntervalMin = v
			}
		case "pending_requery_interval_min":
			if v, err := strconv.Atoi(setting.Value); err == nil && v > 0 {
				appSettings.PendingRequeryIntervalMin = v
			}
		case "pending_stale_threshold_min":
			if v, err := strconv.Atoi(setting.Value); err == nil && v > 0 {
				appSettings.PendingStaleThresholdMin = v
			}
		}
	}

	return nil
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	settingsMap := map[string]interface{}{
		"site_title":                      settings.SiteTitle,
		"site_description":                settings.SiteDescription,
		"chat_enabled":                    strconv.FormatBool(settings.ChatEnabled),
		"subscription_sweep_interval_min": strconv.Itoa(settings.SubscriptionSweepIntervalMin),
		"pending_requery_interval_min":    strconv.Itoa(settings.PendingRequeryIntervalMin),
		"pending_stale_threshold_min":     strconv.Itoa(settings.PendingStaleThresholdMin),
	}

	for key, value := range settingsMap {
		var setting Setting
		err := db.Where("setting_key = ?", key).First(&setting).Error
		if err == gorm.ErrRecordNotFound {
			setting = Setting{Key: key, Value: fmt.Sprintf("%v", value), Type: "string"}
			if err := db.Create(&setting).Error; err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}
		setting.Value = fmt.Sprintf("%v", value)
		if err := db.Save(&setting).Error; err != nil {
			return err
		}
	}

	appSettings = settings
	return nil
}

// Validate validates the settings struct
func (s *AppSettings) Validate() error {
	v := validator.New()
	return v.Struct(s)
}

// IsChatEnabled reports whether chat sending is globally enabled
func (s *AppSettings) IsChatEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ChatEnabled
}

// GetSubscriptionSweepInterval returns the expiry sweep cadence.
func (s *AppSettings) GetSubscriptionSweepInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.SubscriptionSweepIntervalMin <= 0 {
		return time.Hour
	}
	return time.Duration(s.SubscriptionSweepIntervalMin) * time.Minute
}

// GetPendingRequeryInterval returns how often stale pending payments are re-queried.
func (s *AppSettings) GetPendingRequeryInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PendingRequeryIntervalMin <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.PendingRequeryIntervalMin) * time.Minute
}

// GetPendingStaleThreshold returns how old a pending record must be before a
// read-through status query hits the gateway.
func (s *AppSettings) GetPendingStaleThreshold() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.PendingStaleThresholdMin <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.PendingStaleThresholdMin) * time.Minute
}
