package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"product-import-service/internal/models"
)

// DefaultMaxBufferedErrors is used when the collector is created without a bound
const DefaultMaxBufferedErrors = 1000

// ErrorSink persists row errors
type ErrorSink interface {
	AppendErrors(ctx context.Context, importErrors []*models.ImportError) error
}

// ErrorCollector buffers the row errors of one job and writes them to the
// sink in batches. The buffer is bounded; reaching the bound flushes it.
type ErrorCollector struct {
	sink        ErrorSink
	jobID       uuid.UUID
	maxBuffered int

	buffer []*models.ImportError
	count  int
	byType map[models.ImportErrorType]int
}

// NewErrorCollector creates a collector for one job
func NewErrorCollector(sink ErrorSink, jobID uuid.UUID, maxBuffered int) *ErrorCollector {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBufferedErrors
	}
	return &ErrorCollector{
		sink:        sink,
		jobID:       jobID,
		maxBuffered: maxBuffered,
		byType:      make(map[models.ImportErrorType]int),
	}
}

// Add records an error for the job, flushing when the buffer is full.
func (c *ErrorCollector) Add(ctx context.Context, importErr *models.ImportError) error {
	importErr.JobID = c.jobID
	c.buffer = append(c.buffer, importErr)
	c.count++
	c.byType[importErr.ErrorType]++

	if len(c.buffer) >= c.maxBuffered {
		return c.Flush(ctx)
	}
	return nil
}

// Flush writes buffered errors. On failure the buffer is kept so a later
// flush can retry.
func (c *ErrorCollector) Flush(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	if err := c.sink.AppendErrors(ctx, c.buffer); err != nil {
		return fmt.Errorf("flush %d import errors: %w", len(c.buffer), err)
	}
	c.buffer = nil
	return nil
}

// Count is the number of errors added so far, flushed or not
func (c *ErrorCollector) Count() int {
	return c.count
}

// Pending is the number of buffered errors not yet written
func (c *ErrorCollector) Pending() int {
	return len(c.buffer)
}

// CountsByType returns how many errors of each classification were added
func (c *ErrorCollector) CountsByType() map[models.ImportErrorType]int {
	out := make(map[models.ImportErrorType]int, len(c.byType))
	for k, v := range c.byType {
		out[k] = v
	}
	return out
}
