package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"product-import-service/internal/models"
)

// Import job lifecycle subjects
const (
	ImportJobCreated   = "import.job.created"
	ImportJobStarted   = "import.job.started"
	ImportJobProgress  = "import.job.progress"
	ImportJobCompleted = "import.job.completed"
	ImportJobFailed    = "import.job.failed"
	ImportJobDeleted   = "import.job.deleted"
)

// ImportJobEvent is the payload published for every lifecycle change of a job
type ImportJobEvent struct {
	EventID            string    `json:"event_id"`
	EventType          string    `json:"event_type"`
	TenantID           string    `json:"tenant_id"`
	JobID              string    `json:"job_id"`
	FileName           string    `json:"file_name"`
	Status             string    `json:"status"`
	TotalRowCount      int       `json:"total_row_count"`
	SuccessfulRowCount int       `json:"successful_row_count"`
	FailedRowCount     int       `json:"failed_row_count"`
	CurrentPhase       string    `json:"current_phase,omitempty"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	ActorID            string    `json:"actor_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Publisher publishes import job events to NATS
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewPublisher connects to NATS. Callers treat a failure as "run without events".
func NewPublisher(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	if natsURL == "" {
		return nil, fmt.Errorf("NATS_URL not set")
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("product-import-service"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{
		conn:   conn,
		logger: logger.WithField("component", "import-events"),
	}, nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}

// PublishJobEvent publishes eventType for the job's current state.
// A nil publisher is a no-op so the pipeline runs without NATS.
func (p *Publisher) PublishJobEvent(ctx context.Context, eventType string, job *models.ImportJob) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := BuildJobEvent(eventType, job)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if err := p.conn.Publish(eventType, data); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": eventType,
			"job_id":     event.JobID,
			"tenant_id":  event.TenantID,
		}).Warn("Failed to publish import event")
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// BuildJobEvent creates the event payload from a job
func BuildJobEvent(eventType string, job *models.ImportJob) *ImportJobEvent {
	event := &ImportJobEvent{
		EventID:            uuid.New().String(),
		EventType:          eventType,
		TenantID:           job.TenantID,
		JobID:              job.ID.String(),
		FileName:           job.FileName,
		Status:             string(job.Status),
		TotalRowCount:      job.TotalRowCount,
		SuccessfulRowCount: job.SuccessfulRowCount,
		FailedRowCount:     job.FailedRowCount,
		CurrentPhase:       job.CurrentPhase,
		Timestamp:          time.Now().UTC(),
	}
	if job.FailureReason != nil {
		event.FailureReason = *job.FailureReason
	}
	if job.CreatedBy != nil {
		event.ActorID = *job.CreatedBy
	}
	return event
}

// TerminalEventType maps a finished job to its lifecycle subject
func TerminalEventType(status models.ImportStatus) string {
	if status == models.ImportStatusFailed {
		return ImportJobFailed
	}
	return ImportJobCompleted
}
