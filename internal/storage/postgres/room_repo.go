package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kibanda/internal/domain"
)

// RoomRepository implements rooms.Store with GORM.
type RoomRepository struct {
	db *gorm.DB
}

// NewRoomRepository creates a RoomRepository.
func NewRoomRepository(db *gorm.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// Create persists a new room. Folder and chat reference must both be unused.
func (r *RoomRepository) Create(ctx context.Context, room *domain.Room) error {
	model := toRoomModel(room)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating room %s: %w", room.Folder, mapError(err))
	}
	return nil
}

// Update overwrites every mutable column of an existing room.
func (r *RoomRepository) Update(ctx context.Context, room *domain.Room) error {
	model := toRoomModel(room)
	model.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&RoomModel{}).
		Where("folder = ?", room.Folder).
		Select("chat_ref", "name", "is_main", "trigger_pattern", "require_trigger", "mount_allowlist", "extra_mounts", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating room %s: %w", room.Folder, mapError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating room %s: %w", room.Folder, domain.ErrNotFound)
	}
	return nil
}

// Get retrieves a room by folder.
func (r *RoomRepository) Get(ctx context.Context, folder string) (*domain.Room, error) {
	var model RoomModel
	if err := r.db.WithContext(ctx).First(&model, "folder = ?", folder).Error; err != nil {
		return nil, fmt.Errorf("getting room %s: %w", folder, mapError(err))
	}
	return toRoomDomain(&model), nil
}

// GetByChatRef retrieves a room by its chat reference.
func (r *RoomRepository) GetByChatRef(ctx context.Context, chatRef string) (*domain.Room, error) {
	var model RoomModel
	if err := r.db.WithContext(ctx).First(&model, "chat_ref = ?", chatRef).Error; err != nil {
		return nil, fmt.Errorf("getting room by chat %s: %w", chatRef, mapError(err))
	}
	return toRoomDomain(&model), nil
}

// List returns all rooms ordered by folder.
func (r *RoomRepository) List(ctx context.Context) ([]domain.Room, error) {
	var models []RoomModel
	if err := r.db.WithContext(ctx).Order("folder").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	out := make([]domain.Room, len(models))
	for i := range models {
		out[i] = *toRoomDomain(&models[i])
	}
	return out, nil
}
