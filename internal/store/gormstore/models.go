package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the pool_accounts table.
type Account struct {
	AccountID     string    `gorm:"primaryKey"`
	Status        string    `gorm:"not null;index:idx_pool_accounts_status"`
	ReservationID *string   `gorm:"index:idx_pool_accounts_reservation"`
	Version       string    `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Account) TableName() string { return "pool_accounts" }

// Reservation mirrors the pool_reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey"`
	Name          string    `gorm:"not null"`
	AccountCount  int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
}

func (Reservation) TableName() string { return "pool_reservations" }

// AccountEvent mirrors the pool_account_events table.
type AccountEvent struct {
	EventID   string                                `gorm:"primaryKey"`
	AccountID string                                `gorm:"not null;index:idx_pool_events_account_created,priority:1"`
	Status    string                                `gorm:"not null"`
	Message   string                                `gorm:"not null"`
	Details   datatypes.JSONType[map[string]string] `gorm:"not null"`
	CreatedAt time.Time                             `gorm:"not null;autoCreateTime:false;index:idx_pool_events_account_created,priority:2"`
	ExpiresAt time.Time                             `gorm:"not null;index:idx_pool_events_expires"`
}

func (AccountEvent) TableName() string { return "pool_account_events" }

func (event *AccountEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &Reservation{}, &AccountEvent{}}
}
