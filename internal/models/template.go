package models

import "time"

// Template is a reusable message body. Its inline assets live in a directory
// named after ID. Recipients is the default audience for runs created without
// an explicit list.
type Template struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	FromEmail   *string   `json:"from_email"`
	Recipients  []string  `json:"recipients"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
