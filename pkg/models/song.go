package models

import "time"

// Song is a catalog record describing one uploaded audio file
type Song struct {
	ID         int       `json:"id"`
	Filename   string    `json:"filename"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist"`
	Album      string    `json:"album,omitempty"`
	Duration   int       `json:"duration"` // in seconds
	FilePath   string    `json:"-"`        // storage key, not exposed to clients
	FileSize   int64     `json:"fileSize"`
	PublicURL  string    `json:"public_url"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TrackMetadata is the title/artist pair served by the metadata endpoint
type TrackMetadata struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// Artwork holds cover image bytes and the MIME type they are served with
type Artwork struct {
	Data     []byte
	MimeType string
	Source   string // tier that produced the image
}

// User is an account in the identity store
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"createdAt"`
}
