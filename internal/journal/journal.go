// Package journal keeps a sqlite log of finished uploads.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sftp-sync/internal/status"
	"sftp-sync/internal/syncengine"
)

// Entry is one recorded upload attempt.
type Entry struct {
	ID          uint   `gorm:"primarykey"`
	File        string `gorm:"index;not null"`
	Server      string `gorm:"index;not null"`
	Destination string `gorm:"not null"`
	Hash        string
	Size        int64
	Success     bool
	Status      string
	Message     string
	ElapsedMs   int64
	CreatedAt   time.Time
}

type Journal struct {
	db *gorm.DB
}

// Open creates the database file and its directory if needed.
func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Journal{db: db}, nil
}

// HashFile returns the hex xxHash of the file's contents.
func HashFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := xxhash.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// Record stores a finished upload. Successful uploads also store the hash
// and size of the local file as it is now.
func (j *Journal) Record(r syncengine.Result) error {
	entry := Entry{
		File:        r.File,
		Server:      r.Server,
		Destination: r.Destination,
		Success:     r.Status == status.OK,
		Status:      r.Status.String(),
		Message:     r.Message,
		ElapsedMs:   r.Elapsed.Milliseconds(),
	}
	if entry.Success {
		if info, err := os.Stat(r.File); err == nil {
			entry.Size = info.Size()
		}
		if hash, err := HashFile(r.File); err == nil {
			entry.Hash = hash
		}
	}
	return j.db.Create(&entry).Error
}

// Recent returns up to limit entries, newest first. An empty server matches
// every server.
func (j *Journal) Recent(limit int, server string) ([]Entry, error) {
	q := j.db.Order("id desc")
	if server != "" {
		q = q.Where("server = ?", server)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Changed reports whether file differs from what was last uploaded
// successfully to server. Files never uploaded count as changed.
func (j *Journal) Changed(file, server string) (bool, error) {
	current, err := HashFile(file)
	if err != nil {
		return false, err
	}

	var last Entry
	err = j.db.Where("file = ? AND server = ? AND success = ?", file, server, true).
		Order("id desc").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return last.Hash != current, nil
}

// Stats returns the number of entries and the total bytes uploaded.
func (j *Journal) Stats() (total int64, bytes int64, err error) {
	if err = j.db.Model(&Entry{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = j.db.Model(&Entry{}).Where("success = ?", true).Select("COALESCE(SUM(size), 0)").Scan(&bytes).Error
	if err != nil {
		return total, 0, err
	}
	return total, bytes, nil
}

// Clear deletes every entry and returns how many were removed.
func (j *Journal) Clear() (int64, error) {
	result := j.db.Unscoped().Where("1 = 1").Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear journal: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
