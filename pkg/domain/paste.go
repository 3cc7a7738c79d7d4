package domain

import (
	"time"
)

// Paste is write-once. ID is the storage surrogate key and never leaves the process.
type Paste struct {
	ID        int64     `json:"-"`
	Token     string    `json:"token"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
type CreateParams struct {
	Title   string
	Content string
}
