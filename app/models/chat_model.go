package models

import "time"

// ChatModel is a catalog entry for an inference model exposed to clients.
// RequiredPlan feeds the entitlement gate's model-tier check.
type ChatModel struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ModelKey     string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"model_key"`
	DisplayName  string    `gorm:"type:varchar(150);not null" json:"display_name"`
	RequiredPlan string    `gorm:"type:varchar(50);not null;default:'free'" json:"required_plan"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultChatModels seeds the catalog on first migration.
func DefaultChatModels() []ChatModel {
	return []ChatModel{
		{ModelKey: "nebula-mini", DisplayName: "Nebula Mini", RequiredPlan: PlanFree, IsActive: true},
		{ModelKey: "nebula-pro", DisplayName: "Nebula Pro", RequiredPlan: PlanPremium, IsActive: true},
		{ModelKey: "nebula-pro-vision", DisplayName: "Nebula Pro Vision", RequiredPlan: PlanPremium, IsActive: true},
	}
}
