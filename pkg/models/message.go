package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventPresenceUpdate   EventType = "presence-update"
	EventMessageSend      EventType = "message-send"
	EventMessageDelivered EventType = "message-delivered"
)

// Event is the envelope of every frame exchanged over a chat connection.
type Event struct {
	Type EventType       `json:"event"`
	Data json.RawMessage `json:"data"`
}

// ChatMessage is a point-to-point message. ID and CreatedAt are always set
// by the server.
type ChatMessage struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

type MessagePayload struct {
	Message *ChatMessage `json:"message"`
}

func NewEvent(eventType EventType, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Data: raw}, nil
}

func NewPresenceEvent(userIDs []string) (*Event, error) {
	if userIDs == nil {
		userIDs = []string{}
	}
	return NewEvent(EventPresenceUpdate, userIDs)
}

func NewDeliveredEvent(msg *ChatMessage) (*Event, error) {
	return NewEvent(EventMessageDelivered, MessagePayload{Message: msg})
}

// DecodeEvent parses a raw client frame.
func DecodeEvent(raw []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event name is missing")
	}
	return &event, nil
}

// Message extracts the chat message carried by a message-send or
// message-delivered event.
func (e *Event) Message() (*ChatMessage, error) {
	var payload MessagePayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode message payload: %w", err)
	}
	if payload.Message == nil {
		return nil, fmt.Errorf("message payload is empty")
	}
	return payload.Message, nil
}

// UserIDs extracts the online-set carried by a presence-update event.
func (e *Event) UserIDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal(e.Data, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode presence payload: %w", err)
	}
	return ids, nil
}
