package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultMaxRetries and DefaultProcessingTimeout are the QueuedMessage defaults from spec.
const (
	DefaultMaxRetries        = 3
	DefaultProcessingTimeout = 30 * time.Second
)

// QueuedMessage is the unit of work carried through the Priority Queue Processor.
type QueuedMessage struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"user_id"`
	Type              MessageType            `json:"type"`
	Priority          Priority               `json:"priority"`
	Payload           json.RawMessage        `json:"payload"`
	CreatedAt         time.Time              `json:"created_at"`
	ScheduledAt       *time.Time             `json:"scheduled_at,omitempty"`
	RetryCount        int                    `json:"retry_count"`
	MaxRetries        int                    `json:"max_retries"`
	ProcessingTimeout time.Duration          `json:"processing_timeout"`
	Status            ProcessingStatus       `json:"status"`
	ProcessingStartAt *time.Time             `json:"processing_start_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	LastError         string                 `json:"last_error,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// NewQueuedMessage constructs a message with the documented defaults and validates it.
func NewQueuedMessage(userID string, msgType MessageType, payload json.RawMessage, priority Priority, scheduledAt *time.Time, metadata map[string]interface{}) (*QueuedMessage, error) {
	msg := &QueuedMessage{
		ID:                uuid.New().String(),
		UserID:            userID,
		Type:              msgType,
		Priority:          priority,
		Payload:           payload,
		CreatedAt:         time.Now(),
		ScheduledAt:       scheduledAt,
		MaxRetries:        DefaultMaxRetries,
		ProcessingTimeout: DefaultProcessingTimeout,
		Status:            StatusPending,
		Metadata:          metadata,
	}

	if err := msg.Validate(); err != nil {
		return nil, errors.Wrap(err, "queued message validation failed")
	}
	return msg, nil
}

// Validate checks required fields and the closed enums.
func (m *QueuedMessage) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.UserID == "" {
		return errors.New("user id is required")
	}
	if !validMessageTypes[m.Type] {
		return errors.Errorf("invalid message type: %s", m.Type)
	}
	if m.Priority < PriorityCritical || m.Priority > PriorityBatch {
		return errors.Errorf("invalid priority: %d", m.Priority)
	}
	if m.RetryCount > m.MaxRetries {
		return errors.New("retry count exceeds max retries")
	}
	if !validStatuses[m.Status] {
		return errors.Errorf("invalid status: %s", m.Status)
	}
	return nil
}

var validMessageTypes = map[MessageType]bool{
	MessageTypeText:        true,
	MessageTypeImage:       true,
	MessageTypeAudio:       true,
	MessageTypeVideo:       true,
	MessageTypeDocument:    true,
	MessageTypeInteractive: true,
	MessageTypeTemplate:    true,
	MessageTypeSystem:      true,
}

var validStatuses = map[ProcessingStatus]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusRetry:      true,
	StatusDeadLetter: true,
}

// validStatusTransitions mirrors the lifecycle in spec.md §3/§4.2: a message is in exactly
// one queue at a time and DEAD_LETTER is terminal.
var validStatusTransitions = map[ProcessingStatus]map[ProcessingStatus]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusRetry:      true,
		StatusDeadLetter: true,
	},
	StatusRetry: {
		StatusPending: true,
	},
}

// UpdateStatus validates and applies a status transition, stamping the relevant timestamp.
func (m *QueuedMessage) UpdateStatus(status ProcessingStatus, statusErr error) error {
	if !validStatusTransitions[m.Status][status] {
		return errors.Errorf("invalid status transition: %s -> %s", m.Status, status)
	}

	now := time.Now()
	m.Status = status

	switch status {
	case StatusProcessing:
		m.ProcessingStartAt = &now
	case StatusCompleted:
		m.CompletedAt = &now
	case StatusFailed:
		if statusErr != nil {
			m.LastError = statusErr.Error()
		}
	}
	return nil
}

// ToJSON serializes the message for durable persistence.
func (m *QueuedMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal queued message")
	}
	return data, nil
}

// QueuedMessageFromJSON reconstructs a message from its durable form.
func QueuedMessageFromJSON(data []byte) (*QueuedMessage, error) {
	var m QueuedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal queued message")
	}
	return &m, nil
}
