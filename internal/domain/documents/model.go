package documents

import (
	"io"
	"time"
)

// File is one uploaded source document before it is archived.
type File struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// Document is an archived source document.
type Document struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
