// Package models defines the persisted job entities shared by the API,
// store, and worker layers.
package models

import (
	"fmt"
	"time"

	"experiment-scheduler/internal/lifecycle"
)

// JobKind distinguishes the classes of schedulable work.
type JobKind string

const (
	KindBuild       JobKind = "build"
	KindExperiment  JobKind = "experiment"
	KindTensorboard JobKind = "tensorboard"
)

// Valid reports whether k is a recognized job kind.
func (k JobKind) Valid() bool {
	return k == KindBuild || k == KindExperiment || k == KindTensorboard
}

// Plural returns the kind segment used in unique job names.
func (k JobKind) Plural() string {
	return string(k) + "s"
}

// CodeReference points at the code snapshot a job runs against.
type CodeReference struct {
	Repo   string `json:"repo"`
	Commit string `json:"commit"`
}

// Job is one unit of submitted work persisted in Postgres. The record is
// immutable after creation except for the denormalized status, the archived
// flag, and updated_at.
type Job struct {
	ID                string            `json:"id"`
	Kind              JobKind           `json:"kind"`
	ProjectID         string            `json:"project_id"`
	ProjectName       string            `json:"project_name"`
	UserID            string            `json:"user_id"`
	Sequence          int               `json:"sequence"`
	Config            map[string]any    `json:"config"`
	ConfigFingerprint string            `json:"config_fingerprint"`
	CodeReference     *CodeReference    `json:"code_reference,omitempty"`
	Resources         map[string]string `json:"resources,omitempty"`
	NodeSelector      map[string]string `json:"node_selector,omitempty"`
	Status            lifecycle.Status  `json:"status"`
	Archived          bool              `json:"archived"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// UniqueName is deterministic from the owning project, the kind, and the
// per-project sequence, e.g. "team/mnist.builds.3".
func (j Job) UniqueName() string {
	return fmt.Sprintf("%s.%s.%d", j.ProjectName, j.Kind.Plural(), j.Sequence)
}

// IsDone reports whether the job reached a terminal status.
func (j Job) IsDone() bool {
	return lifecycle.IsDone(j.Status)
}

// JobStatus is one immutable entry in a job's status history, ordered by
// creation time.
type JobStatus struct {
	ID        string           `json:"id"`
	JobID     string           `json:"job_id"`
	Status    lifecycle.Status `json:"status"`
	Message   *string          `json:"message,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
