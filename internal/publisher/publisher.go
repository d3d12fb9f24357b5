// Package publisher defines the completion notification contract. When a
// collection reaches a terminal status an event is published so downstream
// consumers can react without polling the status store.
package publisher

import (
	"context"
	"time"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// CompletionEvent is the payload published for one terminal collection.
type CompletionEvent struct {
	CollectionID   string    `json:"collection_id"`
	Query          string    `json:"query"`
	Status         string    `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	TotalArticles  int       `json:"total_articles"`
	CompletedAt    time.Time `json:"completed_at"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Notifier publishes completion events. Implementations return a provider
// message ID for logging.
type Notifier interface {
	PublishCompletion(ctx context.Context, event CompletionEvent) (string, error)
}

// EventFrom builds the completion event for a terminal collection document.
func EventFrom(c harvest.Collection) CompletionEvent {
	event := CompletionEvent{
		CollectionID:   c.ID,
		Query:          c.Query,
		Status:         string(c.Status),
		TotalTasks:     c.TotalTasks,
		CompletedTasks: c.CompletedTasks,
		FailedTasks:    c.FailedTasks,
		TotalArticles:  c.TotalArticles,
		ErrorMessage:   c.ErrorMessage,
	}
	if c.CompletedAt != nil {
		event.CompletedAt = *c.CompletedAt
	}
	return event
}
