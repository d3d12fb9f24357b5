// Package harvest defines core types shared across subsystems.
package harvest

import (
	"fmt"
	"time"
)

// CollectionStatus represents the lifecycle state of a collection.
type CollectionStatus string

// Collection status values persisted in the status store. Transitions are
// monotonic: initializing -> running -> {completed, error}.
const (
	CollectionInitializing CollectionStatus = "initializing"
	CollectionRunning      CollectionStatus = "running"
	CollectionCompleted    CollectionStatus = "completed"
	CollectionError        CollectionStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s CollectionStatus) Terminal() bool {
	return s == CollectionCompleted || s == CollectionError
}

// Collection is the aggregate status document for one harvesting job.
// Created once by the dispatcher, mutated by every completing worker,
// never deleted.
type Collection struct {
	ID             string           `json:"collection_id"`
	Query          string           `json:"query"`
	Status         CollectionStatus `json:"status"`
	TotalTasks     int              `json:"total_tasks"`
	CompletedTasks int              `json:"completed_tasks"`
	FailedTasks    int              `json:"failed_tasks"`
	TotalArticles  int              `json:"total_articles"`
	StartTime      time.Time        `json:"start_time"`
	LastUpdated    time.Time        `json:"last_updated"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	// CountedUnits holds the unit keys already folded into the counters.
	// Keeping the set inside the document means counting a unit and bumping
	// the totals commit in the same conditional write.
	CountedUnits map[string]bool `json:"counted_units,omitempty"`
}

// Counted reports whether the unit key was already folded into the counters.
func (c Collection) Counted(unitKey string) bool {
	return c.CountedUnits[unitKey]
}

// StatusKey returns the document key for a collection aggregate. Keys carry
// only the collection ID; the query travels as a document field so that
// near-duplicate queries cannot collide.
func StatusKey(collectionID string) string {
	return fmt.Sprintf("status/%s.json", collectionID)
}

// WorkUnit is the smallest schedulable unit: one (region, month) pair within
// a collection. It is never persisted on its own and exists only as a queue
// message, so it carries everything a worker needs.
type WorkUnit struct {
	CollectionID string `json:"collection_id"`
	Query        string `json:"query"`
	Region       string `json:"region"`
	MaxArticles  int    `json:"max_articles"`
	Year         int    `json:"year"`
	Month        int    `json:"month"`
}

// Key returns the unit key, unique within a collection.
func (u WorkUnit) Key() string {
	return fmt.Sprintf("%d/%02d/%s", u.Year, u.Month, u.Region)
}

// ArtifactPath returns the object path where the unit's artifact is stored.
func (u WorkUnit) ArtifactPath() string {
	return ArtifactPath(u.CollectionID, u.Year, u.Month, u.Region)
}

// ArtifactPath builds the artifact object path for a unit's coordinates.
func ArtifactPath(collectionID string, year, month int, region string) string {
	return fmt.Sprintf("collections/%s/%d/%02d/%s.json", collectionID, year, month, region)
}

// ArtifactPathTemplate is the path pattern surfaced to callers when a
// collection is initiated.
func ArtifactPathTemplate(collectionID string) string {
	return fmt.Sprintf("collections/%s/[year]/[month]/[region].json", collectionID)
}

// TaskState represents the lifecycle state of one dispatched execution.
type TaskState string

// Task states. A task is terminal once completed or failed.
const (
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// TaskStatus is the per-execution status document. One is created each time
// a worker begins a unit, keyed by a generated API call ID.
type TaskStatus struct {
	APICallID     string     `json:"api_call_id"`
	CollectionID  string     `json:"collection_id"`
	Query         string     `json:"query"`
	Region        string     `json:"region"`
	Year          int        `json:"year"`
	Month         int        `json:"month"`
	State         TaskState  `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	ArticlesFound int        `json:"articles_found"`
	LastUpdated   time.Time  `json:"last_updated"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Article is one normalized record from the upstream article feed.
type Article struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	URLMobile     string  `json:"url_mobile"`
	Date          *string `json:"date"`
	Year          int     `json:"year"`
	Month         int     `json:"month"`
	SocialImage   string  `json:"socialimage"`
	SourceCountry string  `json:"source_country"`
	SourceDomain  string  `json:"source_domain"`
	Language      string  `json:"language"`
	Region        string  `json:"region"`
	Query         string  `json:"query"`
}

// ArtifactMetadata records how the artifact's fetch was performed.
type ArtifactMetadata struct {
	MaxArticlesRequested int    `json:"max_articles_requested"`
	ArticlesFound        int    `json:"articles_found"`
	URLConstructed       string `json:"url_constructed"`
}

// Artifact is the stored output of one work unit, keyed by
// collection/year/month/region.
type Artifact struct {
	CollectionID string           `json:"collection_id"`
	APICallID    string           `json:"api_call_id"`
	Query        string           `json:"query"`
	Region       string           `json:"region"`
	Year         int              `json:"year"`
	Month        int              `json:"month"`
	Articles     []Article        `json:"articles"`
	ArticleCount int              `json:"article_count"`
	ProcessedAt  time.Time        `json:"processed_at"`
	Metadata     ArtifactMetadata `json:"metadata"`
}

// FetchResult is what the upstream fetch stage yields for one unit. A
// degraded upstream produces an empty article list, never an error.
type FetchResult struct {
	Articles []Article
	// URL is the constructed query URL, recorded in artifact metadata even
	// when the fetch fails.
	URL string
}
