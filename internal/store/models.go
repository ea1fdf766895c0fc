package store

import "time"

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Share grants a user access to a document at a permission level until
// ExpiresAt, when set.
type Share struct {
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId"`
	Level      string     `json:"level"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

func (s Share) Active(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// CommitInfo describes a mirrored version in the git history of a document.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}
