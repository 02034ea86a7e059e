package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the user registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages the registry of known callers and their group memberships.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the user registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateUser registers a new caller. A duplicate user id fails with
// ErrUserExists rather than silently updating the existing record.
func (s *Service) CreateUser(ctx context.Context, userID UserID, displayName string, groups []string) (User, error) {
	groupsJSON, err := EncodeGroups(groups)
	if err != nil {
		return User{}, fmt.Errorf("users: encode groups: %w", err)
	}
	now := s.clock().UTC().Unix()
	user := User{
		UserID:           userID.String(),
		DisplayName:      displayName,
		GroupsJSON:       groupsJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("user_id = ?", userID.String()).Take(&existing).Error
		if err == nil {
			return ErrUserExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("users: select failed: %w", err)
		}
		return tx.Create(&user).Error
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrUserExists) {
			s.logger.Error("user create failed", zap.String("user_id", userID.String()), zap.Error(txErr))
		}
		return User{}, txErr
	}

	s.logger.Info("user created", zap.String("user_id", userID.String()))
	return user, nil
}

// GetUser returns the registered user or ErrUserNotFound.
func (s *Service) GetUser(ctx context.Context, userID UserID) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logger.Error("user lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		return User{}, fmt.Errorf("users: lookup failed: %w", err)
	}
	return user, nil
}

// DeleteUser removes a registered user, failing with ErrUserNotFound when
// the id is unknown.
func (s *Service) DeleteUser(ctx context.Context, userID UserID) error {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Delete(&User{})
	if result.Error != nil {
		s.logger.Error("user delete failed", zap.String("user_id", userID.String()), zap.Error(result.Error))
		return fmt.Errorf("users: delete failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	s.logger.Info("user deleted", zap.String("user_id", userID.String()))
	return nil
}

// SetGroups replaces a user's group memberships. Group changes take effect
// on the next request; per-request authorization is never cached.
func (s *Service) SetGroups(ctx context.Context, userID UserID, groups []string) (User, error) {
	groupsJSON, err := EncodeGroups(groups)
	if err != nil {
		return User{}, fmt.Errorf("users: encode groups: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"groups_json":  groupsJSON,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return User{}, fmt.Errorf("users: update groups failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return s.GetUser(ctx, userID)
}

// GroupsFor returns the group memberships used to derive a caller's scope
// set. An unregistered caller has no groups.
func (s *Service) GroupsFor(ctx context.Context, userID UserID) ([]string, error) {
	user, err := s.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user.Groups()
}
