package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backup copies the database file into backupDir under a timestamped name.
// The copy carries a short random suffix so that two backups taken within
// the same second never collide. Returns the path of the backup file.
func (s *Store) Backup(backupDir string) (string, error) {
	if s.path == ":memory:" {
		return "", fmt.Errorf("cannot back up an in-memory database")
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Fold the write-ahead log into the main file first, otherwise the
	// copy misses every commit since the last checkpoint.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint database: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	stamp := time.Now().Format("20060102-150405")
	suffix := uuid.NewString()[:8]
	dest := filepath.Join(backupDir, fmt.Sprintf("%s-%s-%s.db", base, stamp, suffix))

	src, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to copy database: %w", err)
	}
	return dest, nil
}
