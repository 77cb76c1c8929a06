package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/reliefnet/fieldagent/internal/models"
)

func TestEncode(t *testing.T) {
	b, err := Encode(MessageRead{GroupID: "g1", ReaderEmail: "me@x.org", MessageIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var env struct {
		Event string `json:"event"`
		Data  struct {
			GroupID    string   `json:"groupId"`
			Reader     string   `json:"readerEmail"`
			MessageIDs []string `json:"messageIds"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("Encoded envelope is not JSON: %v", err)
	}
	if env.Event != "message_read" {
		t.Errorf("Expected event message_read, got %s", env.Event)
	}
	if env.Data.GroupID != "g1" || env.Data.Reader != "me@x.org" || len(env.Data.MessageIDs) != 2 {
		t.Errorf("Unexpected data: %+v", env.Data)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, ev Inbound)
	}{
		{
			name:  "history as bare array",
			input: `{"event":"chat_history","data":[{"_id":"m1","senderEmail":"a@x.org","message":"hi","sentAt":"2024-05-01T10:00:00","readBy":[],"status":"sent"}]}`,
			check: func(t *testing.T, ev Inbound) {
				h := ev.(ChatHistory)
				if len(h.Messages) != 1 || h.Messages[0].ID != "m1" {
					t.Errorf("Unexpected history: %+v", h)
				}
				if h.Messages[0].SentAt.IsZero() {
					t.Errorf("Expected naive timestamp to parse")
				}
			},
		},
		{
			name:  "empty history",
			input: `{"event":"chat_history","data":null}`,
			check: func(t *testing.T, ev Inbound) {
				h := ev.(ChatHistory)
				if h.Messages == nil || len(h.Messages) != 0 {
					t.Errorf("Expected empty message list, got %+v", h.Messages)
				}
			},
		},
		{
			name:  "message echo",
			input: `{"event":"message","data":{"_id":"abc123","tempId":"1700000000000","senderEmail":"me@x.org","message":"help","mediaUrl":null,"location":null,"status":"sent"}}`,
			check: func(t *testing.T, ev Inbound) {
				m := ev.(MessageEvent)
				if m.ID != "abc123" || m.TempID != "1700000000000" || m.Body != "help" {
					t.Errorf("Unexpected message: %+v", m)
				}
				if m.Location != nil || m.MediaURL != "" {
					t.Errorf("Null optional fields should be absent: %+v", m)
				}
			},
		},
		{
			name:  "read update",
			input: `{"event":"message_read_update","data":{"readerEmail":"b@x.org","messageIds":["m1"]}}`,
			check: func(t *testing.T, ev Inbound) {
				r := ev.(MessageReadUpdate)
				if r.ReaderEmail != "b@x.org" || len(r.MessageIDs) != 1 {
					t.Errorf("Unexpected read update: %+v", r)
				}
			},
		},
		{
			name:  "typing stop",
			input: `{"event":"typing_stop","data":{"senderEmail":"b@x.org","groupId":"g1"}}`,
			check: func(t *testing.T, ev Inbound) {
				s := ev.(TypingStop)
				if s.SenderEmail != "b@x.org" || s.Group() != "g1" {
					t.Errorf("Unexpected typing stop: %+v", s)
				}
			},
		},
		{
			name:  "live alert",
			input: `{"event":"new_alert","data":{"_id":"a1","type":"Flood","latitude":19.07,"longitude":72.87,"status":"live"}}`,
			check: func(t *testing.T, ev Inbound) {
				a := ev.(NewAlert)
				if a.ID != "a1" || a.Status != models.AlertActive || a.Latitude == nil {
					t.Errorf("Unexpected alert: %+v", a)
				}
			},
		},
		{
			name:  "delivery update",
			input: `{"event":"message_delivery_update","data":{"deliveredTo":"c@x.org"}}`,
			check: func(t *testing.T, ev Inbound) {
				if d := ev.(DeliveryUpdate); d.DeliveredTo != "c@x.org" {
					t.Errorf("Unexpected delivery update: %+v", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte(`{"event":"new_sos","data":{}}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Expected ErrUnknownEvent, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed envelope")
	}
	if _, err := Decode([]byte(`{"event":"message","data":"oops"}`)); err == nil {
		t.Error("Expected error for malformed data")
	}
}
