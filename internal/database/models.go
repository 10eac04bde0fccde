package database

import "time"

// BackendConfigID is the primary key of the singleton backend config row.
const BackendConfigID = 1

// BackendConfig is the persisted gateway/backend configuration. There is
// exactly one row (ID == BackendConfigID).
type BackendConfig struct {
	ID               uint      `gorm:"primaryKey"`
	GatewayPath      string    `gorm:"not null;default:''"`
	GatewayPort      int       `gorm:"not null;default:0"`
	GatewayAccess    string    `gorm:"not null;default:public"`
	InternalAPIToken string    `gorm:"not null"`                     // Fernet-encrypted
	EnvVars          string    `gorm:"type:text;not null;default:'{}'"` // JSON object
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

type User struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email              string    `gorm:"uniqueIndex;not null;size:255" json:"email"`
	Name               string    `gorm:"not null;default:''" json:"name"`
	PasswordHash       string    `gorm:"not null;default:''" json:"-"`
	Role               string    `gorm:"not null;default:user" json:"role"`
	SubscriptionStatus string    `gorm:"not null;default:''" json:"subscription_status"`
	PlanID             string    `gorm:"not null;default:''" json:"plan_id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriberAPIKey is a hashed API key owned by a subscriber. The raw key is
// never stored; KeyHash is the hex SHA-256 of it.
type SubscriberAPIKey struct {
	ID         uint       `gorm:"primaryKey;autoIncrement"`
	UserID     uint       `gorm:"not null;index"`
	KeyHash    string     `gorm:"uniqueIndex;not null;size:64"`
	KeyPrefix  string     `gorm:"not null;default:''"` // first chars of the raw key, for display
	IsActive   bool       `gorm:"not null"`
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// Valid reports whether the key may authenticate at the given instant.
func (k *SubscriberAPIKey) Valid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// SessionToken is an opaque browser session issued by the web front end.
// Data holds the identity blob as JSON.
type SessionToken struct {
	Token     string    `gorm:"primaryKey;size:128"`
	Data      string    `gorm:"type:text;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
