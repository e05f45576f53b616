package model

import (
	"strconv"
	"time"
)

// Metadata carries the caller-supplied fields of one upload. It is copied
// unchanged through every pipeline stage.
type Metadata struct {
	Name         string `json:"name"`
	CUID         string `json:"cuid"`
	SubmissionID string `json:"submissionId"`
}

// Endpoint describes one pod handed out by the pod assignment source.
// An empty URL means delivery is disabled for artifacts assigned to it.
type Endpoint struct {
	ID  int    `json:"id" mapstructure:"id"`
	URL string `json:"url" mapstructure:"url"`
}

// Artifact is the unit of work moving through the pipeline.
// The image bytes never live on the struct, so a returned Artifact is
// always safe to serialize as the caller-visible summary.
type Artifact struct {
	ContainerID int    `json:"containerId"`
	URL         string `json:"url"`
	UIURL       string `json:"uiUrl"`
	Metadata
	RetryCount int `json:"errorCount,omitempty"`
}

// NewArtifact builds the artifact record for an upload assigned to ep.
func NewArtifact(ep Endpoint, meta Metadata) Artifact {
	return Artifact{
		ContainerID: ep.ID,
		URL:         ep.URL,
		UIURL:       SketchPath(ep.ID),
		Metadata:    meta,
	}
}

// SketchPath returns the UI-facing path under which an artifact is served.
func SketchPath(id int) string {
	return "/api/sketch/" + strconv.Itoa(id)
}

// DeliveryRecord is one row of the delivery ledger.
type DeliveryRecord struct {
	ContainerID  int       `json:"containerId"`
	URL          string    `json:"url"`
	UIURL        string    `json:"uiUrl"`
	Name         string    `json:"name"`
	CUID         string    `json:"cuid"`
	SubmissionID string    `json:"submissionId"`
	State        string    `json:"state"`
	Attempts     int       `json:"attempts"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// StateCount is a ledger count grouped by terminal delivery state.
type StateCount struct {
	State string `json:"state"`
	Count int64  `json:"count"`
}
