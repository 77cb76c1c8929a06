package models

import (
	"encoding/json"
	"strings"
	"time"
)

type DraftStatus string

const (
	DraftPending DraftStatus = "pending"
	DraftSyncing DraftStatus = "syncing"
	DraftSynced  DraftStatus = "synced"
	DraftFailed  DraftStatus = "failed"
)

// Media is a binary attachment carried by a hazard report.
type Media struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Size     int    `json:"size"`
}

// ReportPayload is what a citizen enters in the hazard report form.
type ReportPayload struct {
	Name        string   `json:"name"`
	Contact     string   `json:"contact"`
	Type        string   `json:"type" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Latitude    *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Address     string   `json:"address,omitempty"`
	Media       *Media   `json:"media,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (p ReportPayload) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

type Draft struct {
	ID             int64         `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Payload        ReportPayload `json:"payload"`
	Status         DraftStatus   `json:"status"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Message is one chat entry. ID is empty until the server has acknowledged it;
// TempID is only set on messages that originated from this client.
type Message struct {
	ID          string        `json:"_id,omitempty"`
	TempID      string        `json:"tempId,omitempty"`
	SenderEmail string        `json:"senderEmail"`
	Body        string        `json:"message"`
	MediaURL    string        `json:"mediaUrl,omitempty"`
	MediaType   string        `json:"mediaType,omitempty"`
	Location    *Location     `json:"location,omitempty"`
	SentAt      Timestamp     `json:"sentAt"`
	ReadBy      []string      `json:"readBy"`
	DeliveredTo []string      `json:"deliveredTo,omitempty"`
	Status      MessageStatus `json:"status"`
	Edited      bool          `json:"edited,omitempty"`
	Deleted     bool          `json:"deleted,omitempty"`
}

// ReadByUser reports whether email is in the message's reader set.
func (m Message) ReadByUser(email string) bool {
	for _, r := range m.ReadBy {
		if r == email {
			return true
		}
	}
	return false
}

type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
	AlertFake     AlertStatus = "fake"
)

// UnmarshalJSON accepts the backend's "live" as an alias for active.
func (s *AlertStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		*s = AlertActive
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "resolved":
		*s = AlertResolved
	case "fake":
		*s = AlertFake
	default:
		*s = AlertActive
	}
	return nil
}

type Alert struct {
	ID           string      `json:"_id"`
	Type         string      `json:"type"`
	Severity     string      `json:"severity,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	LocationText string      `json:"location_text,omitempty"`
	Description  string      `json:"description,omitempty"`
	FileURL      string      `json:"file_url,omitempty"`
	FileType     string      `json:"file_type,omitempty"`
	Timestamp    Timestamp   `json:"timestamp"`
	Status       AlertStatus `json:"status"`
}

type Shelter struct {
	ID        string   `json:"_id"`
	Name      string   `json:"name,omitempty"`
	OrgName   string   `json:"orgName,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Capacity  int      `json:"capacity,omitempty"`
}

func (s Shelter) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.OrgName
}

// Timestamp tolerates the timestamp shapes the backend emits: RFC 3339,
// naive ISO 8601 without a zone (treated as UTC), empty or null.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil || raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
