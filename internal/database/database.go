package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/shellgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	return Migrate(DB)
}

// Migrate creates or updates every table this service reads or writes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&BackendConfig{}, &User{}, &SubscriberAPIKey{}, &SessionToken{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Backend config helpers

// GetBackendConfig returns the singleton row or gorm.ErrRecordNotFound.
func GetBackendConfig(ctx context.Context) (*BackendConfig, error) {
	var c BackendConfig
	if err := DB.WithContext(ctx).First(&c, BackendConfigID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateBackendConfig inserts the singleton row unless another writer got
// there first, then returns whatever row is stored.
func CreateBackendConfig(ctx context.Context, c *BackendConfig) (*BackendConfig, error) {
	c.ID = BackendConfigID
	if err := DB.WithContext(ctx).Where("id = ?", BackendConfigID).FirstOrCreate(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateBackendConfig writes the given columns on the singleton row.
func UpdateBackendConfig(ctx context.Context, fields map[string]interface{}) error {
	res := DB.WithContext(ctx).Model(&BackendConfig{}).Where("id = ?", BackendConfigID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// User helpers

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := DB.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// API key helpers

func GetAPIKeyByHash(ctx context.Context, hash string) (*SubscriberAPIKey, error) {
	var k SubscriberAPIKey
	if err := DB.WithContext(ctx).Where("key_hash = ?", hash).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

func CreateAPIKey(key *SubscriberAPIKey) error {
	return DB.Create(key).Error
}

func TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return DB.WithContext(ctx).Model(&SubscriberAPIKey{}).Where("id = ?", id).Update("last_used_at", at).Error
}

// Session token helpers

func GetSessionToken(ctx context.Context, token string) (*SessionToken, error) {
	var st SessionToken
	if err := DB.WithContext(ctx).Where("token = ?", token).First(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

func CreateSessionToken(st *SessionToken) error {
	return DB.Create(st).Error
}

// PurgeExpiredSessionTokens deletes tokens that expired before now and
// returns how many rows were removed.
func PurgeExpiredSessionTokens(ctx context.Context, now time.Time) (int64, error) {
	res := DB.WithContext(ctx).Where("expires_at < ?", now).Delete(&SessionToken{})
	return res.RowsAffected, res.Error
}
