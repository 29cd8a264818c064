package store

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies where a source's content comes from.
type SourceType string

const (
	SourceTypeText   SourceType = "text"
	SourceTypeUpload SourceType = "upload"
	SourceTypeURL    SourceType = "url"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeText, SourceTypeUpload, SourceTypeURL:
		return true
	}
	return false
}

// SourceStatus is the ingestion lifecycle state of a source.
type SourceStatus string

const (
	StatusPending    SourceStatus = "pending"
	StatusProcessing SourceStatus = "processing"
	StatusReady      SourceStatus = "ready"
	StatusError      SourceStatus = "error"
)

// RefreshSchedule controls periodic re-ingestion of a source.
type RefreshSchedule string

const (
	RefreshNone   RefreshSchedule = "none"
	RefreshHourly RefreshSchedule = "hourly"
	RefreshDaily  RefreshSchedule = "daily"
	RefreshWeekly RefreshSchedule = "weekly"
)

// Valid reports whether r is a known schedule.
func (r RefreshSchedule) Valid() bool {
	switch r {
	case RefreshNone, RefreshHourly, RefreshDaily, RefreshWeekly:
		return true
	}
	return false
}

// Interval returns the refresh period, or 0 for RefreshNone.
func (r RefreshSchedule) Interval() time.Duration {
	switch r {
	case RefreshHourly:
		return time.Hour
	case RefreshDaily:
		return 24 * time.Hour
	case RefreshWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Tenant is one isolated customer account.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotProfile configures one assistant: which model it uses, its system
// prompt and its sampling parameters. Sources attach to a profile.
type BotProfile struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Name         string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Source is one unit of knowledge attached to a bot profile. Status,
// counters, error message and last refresh time are owned by the
// ingestion worker; the API layer never writes them.
type Source struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	BotProfileID    uuid.UUID
	ParentID        *uuid.UUID
	Name            string
	Description     string
	SourceType      SourceType
	Status          SourceStatus
	Config          string
	Content         *string
	DocumentCount   int
	ChunkCount      int
	ErrorMessage    *string
	RefreshSchedule RefreshSchedule
	LastRefreshedAt *time.Time
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Document is the extracted text of one ingestion run of a source.
type Document struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	SourceID   uuid.UUID
	Title      string
	RawContent string
	CharCount  int
	ChunkCount int
	CreatedAt  time.Time
}

// Chunk is one retrievable passage of a document. PointID is the ID of
// the corresponding row in the vector index.
type Chunk struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	DocumentID uuid.UUID
	SourceID   uuid.UUID
	ChunkIndex int
	Content    string
	CharCount  int
	PointID    uuid.UUID
	CreatedAt  time.Time
}

// Chat is one conversation with a bot profile.
type Chat struct {
	ID                    uuid.UUID
	TenantID              uuid.UUID
	BotProfileID          uuid.UUID
	Title                 string
	MessageCount          int
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Message is one user or assistant turn within a chat. ContextChunks
// holds the retrieved passages shown to the model, as a JSON array.
type Message struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	ChatID           uuid.UUID
	Role             string
	Content          string
	PromptTokens     int
	CompletionTokens int
	ContextChunks    string
	CreatedAt        time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// UsageEvent records token consumption for one completed chat turn.
type UsageEvent struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	ChatID             *uuid.UUID
	MessageID          *uuid.UUID
	BotProfileID       *uuid.UUID
	Model              string
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	IsStream           bool
	TimeToFirstTokenMS *int64
	StreamDurationMS   *int64
	CreatedAt          time.Time
}

// Webhook is one tenant-registered notification endpoint. Events is a
// JSON array of subscribed event names; empty means all events.
type Webhook struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	URL       string
	Secret    string
	Events    string
	IsActive  bool
	CreatedAt time.Time
}
