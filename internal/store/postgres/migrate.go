package postgres

import (
	"gorm.io/gorm"

	types "github.com/yungbote/memory-service/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.ConversationGroup{},
		&types.Conversation{},
		&types.ConversationMembership{},
		&types.Entry{},
		&types.OwnershipTransfer{},
		&types.Attachment{},
		&types.Task{},
		&types.DEKRecord{},
	)
}

// AutoMigrate runs schema migration on the store's own handle.
func (s *Store) AutoMigrate() error {
	return AutoMigrateAll(s.db)
}
