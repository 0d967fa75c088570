package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shan-hee/EasySSH-sub011/internal/config"
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

	if err := DB.AutoMigrate(&SessionRecord{}, &TransferRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// RecordSessionStart inserts an audit row for a newly registered session.
func RecordSessionStart(sessionID, host string, port int, username string) {
	if DB == nil {
		return
	}
	DB.Create(&SessionRecord{
		SessionID: sessionID,
		Host:      host,
		Port:      port,
		Username:  username,
		State:     "connecting",
	})
}

// RecordSessionState updates the persisted state of a session.
func RecordSessionState(sessionID, state string, retryCount int) {
	if DB == nil {
		return
	}
	DB.Model(&SessionRecord{}).Where("session_id = ?", sessionID).
		Updates(map[string]any{"state": state, "retry_count": retryCount})
}

// RecordSessionEnd stamps a session's close time and final byte counters.
func RecordSessionEnd(sessionID string, bytesIn, bytesOut uint64) {
	if DB == nil {
		return
	}
	now := time.Now()
	DB.Model(&SessionRecord{}).Where("session_id = ?", sessionID).
		Updates(map[string]any{"closed_at": &now, "bytes_in": bytesIn, "bytes_out": bytesOut})
}

// RecordTransfer inserts an audit row for a finished transfer operation.
func RecordTransfer(rec *TransferRecord) {
	if DB == nil {
		return
	}
	DB.Create(rec)
}
