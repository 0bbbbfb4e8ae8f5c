// Package convdb is the local per-conversation message cache. It owns the
// stored copy of every message plus the sync bookkeeping the incremental
// fetch depends on.
package convdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	dbDirName  = "db"
	dbFileName = "chat.db"
)

// Message is the stored projection of a chat message. ID is unique within
// a conversation; optimistic sends use namespaced UUIDs so they can never
// collide with server-assigned IDs.
type Message struct {
	ID        string
	Text      string
	SenderID  string
	Timestamp time.Time
	IsOwn     bool
}

type DB struct {
	db *gorm.DB
}

type conversation struct {
	Key        string     `gorm:"primaryKey;column:key"`
	LastSynced *time.Time `gorm:"column:last_synced"`
}

type message struct {
	ID        string    `gorm:"primaryKey;column:id"`
	ConvKey   string    `gorm:"primaryKey;column:conv_key"`
	Text      string    `gorm:"column:text"`
	SenderID  string    `gorm:"column:sender_id"`
	Timestamp time.Time `gorm:"column:timestamp"`
	IsOwn     bool      `gorm:"column:is_own"`
}

func NewDB(filePath string) (*DB, error) {
	dbFileDir := filepath.Join(filePath, dbDirName)
	os.MkdirAll(dbFileDir, os.ModePerm)

	fileName := filepath.Join(dbFileDir, dbFileName)
	db, err := gorm.Open(sqlite.Open(fileName), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}

	if err := db.AutoMigrate(&conversation{}, &message{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the underlying database handle.
func (db *DB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return fmt.Errorf("sql db: %w", err)
	}

	return sqlDB.Close()
}

// ConversationKey canonicalizes two participant IDs so both sides of a
// conversation read and write the same cache slot.
func ConversationKey(userID1 string, userID2 string) string {
	if userID2 < userID1 {
		userID1, userID2 = userID2, userID1
	}

	return strings.Join([]string{userID1, userID2}, "_")
}

// LoadMessages returns the cached sequence for a conversation, or nil if
// the conversation was never cached.
func (db *DB) LoadMessages(userID1 string, userID2 string) ([]Message, error) {
	key := ConversationKey(userID1, userID2)

	var conv conversation
	if err := db.db.First(&conv, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	var rows []message
	if err := db.db.Where("conv_key = ?", key).Order("timestamp asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	msgs := make([]Message, len(rows))
	for i, row := range rows {
		msgs[i] = Message{
			ID:        row.ID,
			Text:      row.Text,
			SenderID:  row.SenderID,
			Timestamp: row.Timestamp,
			IsOwn:     row.IsOwn,
		}
	}

	return msgs, nil
}

// SaveMessages persists the full sequence for a conversation, replacing
// whatever was stored before. When updateSyncTime is set the
// conversation's last-synced time is stamped to now.
func (db *DB) SaveMessages(userID1 string, userID2 string, msgs []Message, updateSyncTime bool) error {
	key := ConversationKey(userID1, userID2)

	return db.db.Transaction(func(tx *gorm.DB) error {
		var conv conversation
		err := tx.First(&conv, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			conv = conversation{Key: key}
			if res := tx.Create(&conv); res.Error != nil {
				return fmt.Errorf("create conversation: %w", res.Error)
			}

		case err != nil:
			return fmt.Errorf("query conversation: %w", err)
		}

		if err := tx.Where("conv_key = ?", key).Delete(&message{}).Error; err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}

		for _, msg := range msgs {
			row := message{
				ID:        msg.ID,
				ConvKey:   key,
				Text:      msg.Text,
				SenderID:  msg.SenderID,
				Timestamp: msg.Timestamp,
				IsOwn:     msg.IsOwn,
			}
			if res := tx.Create(&row); res.Error != nil {
				return fmt.Errorf("insert message: %w", res.Error)
			}
		}

		if updateSyncTime {
			now := time.Now().UTC()
			if err := tx.Model(&conversation{}).Where("key = ?", key).Update("last_synced", &now).Error; err != nil {
				return fmt.Errorf("update sync time: %w", err)
			}
		}

		return nil
	})
}

// LastSyncTime returns the conversation's last-synced time. The second
// return is false when the conversation was never synced.
func (db *DB) LastSyncTime(userID1 string, userID2 string) (time.Time, bool, error) {
	key := ConversationKey(userID1, userID2)

	var conv conversation
	if err := db.db.First(&conv, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query conversation: %w", err)
	}

	if conv.LastSynced == nil {
		return time.Time{}, false, nil
	}

	return *conv.LastSynced, true, nil
}

// SetLastSyncTime stamps the conversation's last-synced time to an
// explicit timestamp, creating the conversation if needed.
func (db *DB) SetLastSyncTime(userID1 string, userID2 string, t time.Time) error {
	key := ConversationKey(userID1, userID2)
	t = t.UTC()

	var conv conversation
	err := db.db.First(&conv, "key = ?", key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		conv = conversation{Key: key, LastSynced: &t}
		if res := db.db.Create(&conv); res.Error != nil {
			return fmt.Errorf("create conversation: %w", res.Error)
		}
		return nil

	case err != nil:
		return fmt.Errorf("query conversation: %w", err)
	}

	if err := db.db.Model(&conversation{}).Where("key = ?", key).Update("last_synced", &t).Error; err != nil {
		return fmt.Errorf("update sync time: %w", err)
	}

	return nil
}

// Conversations returns the keys of every cached conversation.
func (db *DB) Conversations() ([]string, error) {
	var convs []conversation
	if err := db.db.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	keys := make([]string, len(convs))
	for i, conv := range convs {
		keys[i] = conv.Key
	}

	return keys, nil
}

// ClearConversation erases one conversation and its sync metadata.
func (db *DB) ClearConversation(userID1 string, userID2 string) error {
	key := ConversationKey(userID1, userID2)

	return db.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conv_key = ?", key).Delete(&message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}

		if err := tx.Where("key = ?", key).Delete(&conversation{}).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}

		return nil
	})
}

// ClearAll erases every cached conversation. Called on logout.
func (db *DB) ClearAll() error {
	return db.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}

		if err := tx.Where("1 = 1").Delete(&conversation{}).Error; err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}

		return nil
	})
}

func (db *DB) CleanTables() error {
	if err := db.db.Migrator().DropTable(&conversation{}, &message{}); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}

	if err := db.db.AutoMigrate(&conversation{}, &message{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	return nil
}
