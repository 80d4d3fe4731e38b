package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository implements session.Store with GORM.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Get returns the token for (room, engine), or domain.ErrNotFound.
func (r *SessionRepository) Get(ctx context.Context, roomFolder, engineID string) ([]byte, error) {
	var model SessionModel
	if err := r.db.WithContext(ctx).
		Where("room_folder = ? AND engine_id = ?", roomFolder, engineID).
		First(&model).Error; err != nil {
		return nil, fmt.Errorf("getting session for %s: %w", roomFolder, mapError(err))
	}
	return model.Token, nil
}

// Put creates or replaces the token for (room, engine).
func (r *SessionRepository) Put(ctx context.Context, roomFolder, engineID string, token []byte) error {
	model := SessionModel{
		RoomFolder: roomFolder,
		EngineID:   engineID,
		Token:      token,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_folder"}, {Name: "engine_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving session for %s: %w", roomFolder, err)
	}
	return nil
}

// Delete removes the token for (room, engine). Deleting a missing token is not an error.
func (r *SessionRepository) Delete(ctx context.Context, roomFolder, engineID string) error {
	if err := r.db.WithContext(ctx).
		Where("room_folder = ? AND engine_id = ?", roomFolder, engineID).
		Delete(&SessionModel{}).Error; err != nil {
		return fmt.Errorf("deleting session for %s: %w", roomFolder, err)
	}
	return nil
}
