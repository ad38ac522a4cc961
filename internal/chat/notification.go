package chat

import "time"

// NotificationType classifies a user notification.
type NotificationType string

const (
	NotificationNewMatch   NotificationType = "new_match"
	NotificationNewMessage NotificationType = "new_message"
	NotificationLike       NotificationType = "like"
	NotificationSuperLike  NotificationType = "super_like"
)

// Notification is a persisted, per-user notice.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"createdAt"`
}
