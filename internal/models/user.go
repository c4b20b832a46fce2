package models

import "time"

// Identity is what the verifier vouches for.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

type Presence struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}
