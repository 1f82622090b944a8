package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/micksolo/VanishVoice-sub006/internal/domain"
)

type DirectoryStore struct{ db *gorm.DB }

func (s *Store) Directory() *DirectoryStore { return &DirectoryStore{db: s.DB} }

func (d *DirectoryStore) Upsert(ctx context.Context, key domain.DirectoryKey) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"public_key": key.PublicKey,
			}),
		}).
		Create(&key).Error
}

func (d *DirectoryStore) Get(ctx context.Context, userID uuid.UUID) (*domain.DirectoryKey, error) {
	var key domain.DirectoryKey
	if err := d.db.WithContext(ctx).First(&key, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}
