package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrRoomExists    = errors.New("room name already exists")
	ErrRoomNotFound  = errors.New("room does not exist")
	ErrWrongPassword = errors.New("invalid room password")
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateRoomName enforces the room name format: 3-100 characters of
// letters, numbers, underscores, and hyphens.
func ValidateRoomName(name string) error {
	if len(name) < 3 || len(name) > 100 {
		return errors.New("room name must be between 3 and 100 characters")
	}
	if !roomNamePattern.MatchString(name) {
		return errors.New("room name can only contain letters, numbers, underscores, and hyphens")
	}
	return nil
}

// Rooms is the persistent room directory service: it knows which rooms exist
// and how to verify a supplied password against the stored credential.
type Rooms struct {
	db *gorm.DB
}

func NewRooms(db *gorm.DB) *Rooms {
	return &Rooms{db: db}
}

// Create registers a room with a bcrypt-hashed password.
func (r *Rooms) Create(ctx context.Context, name, password, createdBy string) error {
	if err := ValidateRoomName(name); err != nil {
		return err
	}
	if len(password) < 4 {
		return errors.New("password must be at least 4 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing room password: %w", err)
	}
	err = r.db.WithContext(ctx).Create(&Room{Name: name, PasswordHash: string(hash), CreatedBy: createdBy}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrRoomExists
	}
	if err != nil {
		return fmt.Errorf("creating room: %w", err)
	}
	return nil
}

// Exists reports whether a room with the given name is registered.
func (r *Rooms) Exists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Room{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking room: %w", err)
	}
	return count > 0, nil
}

// VerifyPassword checks the supplied password against the stored credential.
// The returned errors are user-facing.
func (r *Rooms) VerifyPassword(ctx context.Context, name, password string) error {
	var room Room
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up room: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	return nil
}
