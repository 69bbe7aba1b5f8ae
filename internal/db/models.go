package db

import (
	"encoding/json"
	"time"
)

type ExtractionJob struct {
	ID            string
	KbID          string
	DomainID      string
	SchemaVersion int32
	DocumentIds   []string
	CleanupMode   string
	Status        string
	Total         int64
	Planned       bool
	Model         string
	FallbackModel bool
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

type ExtractionBatch struct {
	ID          string
	JobID       string
	Seq         int32
	DocumentIds []string
	Status      string
	Attempts    int32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type JobDocumentError struct {
	DocumentID string
	ErrorKind  string
	Error      string
	UpdatedAt  time.Time
}

type DocumentChunk struct {
	ID         string
	DocumentID string
	Seq        int32
	Text       string
}

type DomainSchema struct {
	KbID       string
	Version    int32
	DomainID   string
	Definition json.RawMessage
	Archived   bool
	CreatedAt  time.Time
}

type GraphNode struct {
	ID         string
	KbID       string
	Type       string
	Name       string
	NameKey    string
	Attributes json.RawMessage
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type NodeCandidate struct {
	ID        string
	Name      string
	UpdatedAt time.Time
}
