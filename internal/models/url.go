package models

import "time"

// URL is a shortened link. Code is unique and records are never updated.
type URL struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}
