package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// To connect to Postgresql set the driver to "postgres" and provide a URL or DSN.
//
// To connect to sqlite, you just need to specify "sqlite" driver.
// By default it will use in-memory database. You can provide IRON_DATABASE_NAME to use the file.
type DatabaseConfig struct {
	Driver string `env:"IRON_DATABASE_DRIVER" env-default:"sqlite" validate:"oneof=sqlite postgres"`
	Name   string `env:"IRON_DATABASE_NAME" env-default:""`
	URL    string `env:"IRON_DATABASE_URL" env-default:"" validate:"required_if=Driver postgres"`
}

// ConnectToDB opens the configured database and migrates the settings table.
func ConnectToDB(cnf DatabaseConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cnf.Driver {
	case "postgres":
		dial = postgres.Open(cnf.URL)
	case "sqlite", "":
		dsn := "file::memory:?cache=shared"
		if cnf.Name != "" {
			dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
		}
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&WalletSetting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return db, nil
}

const selectedChainKey = "selected_chain_id"

// WalletSetting is one persisted wallet preference.
type WalletSetting struct {
	Name      string `gorm:"column:name;primaryKey"`
	Value     string `gorm:"column:value;not null"`
	UpdatedAt time.Time
}

func (WalletSetting) TableName() string {
	return "wallet_settings"
}

// SettingsStore persists the selected network.
type SettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(db *gorm.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// SelectedChain returns the persisted selection; false when none was saved.
func (s *SettingsStore) SelectedChain(ctx context.Context) (uint64, bool, error) {
	var setting WalletSetting
	err := s.db.WithContext(ctx).Where("name = ?", selectedChainKey).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	var chainID uint64
	if _, err := fmt.Sscan(setting.Value, &chainID); err != nil {
		return 0, false, fmt.Errorf("invalid saved chain id %q: %w", setting.Value, err)
	}
	return chainID, true, nil
}

func (s *SettingsStore) SaveSelectedChain(ctx context.Context, chainID uint64) error {
	setting := WalletSetting{Name: selectedChainKey, Value: fmt.Sprint(chainID)}
	return s.db.WithContext(ctx).Save(&setting).Error
}
