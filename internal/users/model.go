package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrUserExists indicates a create collided with an existing user id.
	ErrUserExists = errors.New("users: user already exists")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("users: user does not exist")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// User captures a registered caller and the groups that widen their scope set.
type User struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	GroupsJSON       string `gorm:"column:groups_json;type:text;not null;default:'[]'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing registered users.
func (User) TableName() string {
	return "users"
}

// Groups decodes the persisted group memberships.
func (u User) Groups() ([]string, error) {
	if u.GroupsJSON == "" {
		return nil, nil
	}
	var groups []string
	if err := json.Unmarshal([]byte(u.GroupsJSON), &groups); err != nil {
		return nil, fmt.Errorf("users: decode groups for %s: %w", u.UserID, err)
	}
	return groups, nil
}

// EncodeGroups serializes group memberships for storage.
func EncodeGroups(groups []string) (string, error) {
	if groups == nil {
		groups = []string{}
	}
	encoded, err := json.Marshal(groups)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
