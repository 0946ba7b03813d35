package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"line-relay/internal/domain"
)

// ChatTurn is the SQL row for one conversation turn. The autoincrement ID
// orders turns within a user.
type ChatTurn struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"size:64;not null;index:idx_chat_turns_user_id"`
	Role      string `gorm:"size:16;not null"` // "user", "assistant"
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// SQLStore keeps conversation turns in a single append-only table.
type SQLStore struct {
	db   *gorm.DB
	path string
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// migrates the turn table.
func OpenSQLite(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("repository: sqlite handle: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)
	store, err := NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	store.path = path
	return store, nil
}

// NewSQLStore wraps an existing gorm connection and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if err := db.AutoMigrate(&ChatTurn{}); err != nil {
		return nil, fmt.Errorf("repository: migrate chat turns: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Window returns the most recent limit turns for userID, oldest first.
func (s *SQLStore) Window(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	var rows []ChatTurn
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repository: Window select: %w", err)
	}
	turns := make([]domain.Turn, len(rows))
	for i, row := range rows {
		turns[len(rows)-1-i] = row.toTurn()
	}
	return turns, nil
}

// Append persists one turn.
func (s *SQLStore) Append(ctx context.Context, userID, role, content string) error {
	row := ChatTurn{UserID: userID, Role: role, Content: content}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// AppendExchange writes a user turn and the assistant reply in one transaction.
func (s *SQLStore) AppendExchange(ctx context.Context, userID, question, answer string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := []ChatTurn{
			{UserID: userID, Role: domain.RoleUser, Content: question},
			{UserID: userID, Role: domain.RoleAssistant, Content: answer},
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("repository: AppendExchange: %w", err)
	}
	return nil
}

// Count returns the total number of stored turns for userID.
func (s *SQLStore) Count(ctx context.Context, userID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&ChatTurn{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("repository: Count: %w", err)
	}
	return int(n), nil
}

// Reset deletes every turn for userID.
func (s *SQLStore) Reset(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&ChatTurn{}).Error; err != nil {
		return fmt.Errorf("repository: Reset: %w", err)
	}
	return nil
}

// Exists reports whether the database file is present and answering.
func (s *SQLStore) Exists(ctx context.Context) bool {
	if s.path != "" && !strings.HasPrefix(s.path, ":memory:") && !strings.HasPrefix(s.path, "file:") {
		if _, err := os.Stat(s.path); err != nil {
			return false
		}
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r ChatTurn) toTurn() domain.Turn {
	return domain.Turn{UserID: r.UserID, Role: r.Role, Content: r.Content, CreatedAt: r.CreatedAt}
}
