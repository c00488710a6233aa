package dispatch

import (
	"time"

	"experiment-scheduler/internal/models"
)

// Kind identifies an outbound dispatch message. The enumeration is closed;
// consumers reject anything else.
type Kind string

const (
	// KindStart asks the execution layer to schedule a job.
	KindStart Kind = "jobs_start"
	// KindStop asks the execution layer to tear a job down.
	KindStop Kind = "jobs_stop"
	// KindScheduleDeletion asks for deferred or immediate hard deletion.
	KindScheduleDeletion Kind = "jobs_schedule_deletion"
)

// Kinds lists every message kind, in dequeue precedence order.
var Kinds = []Kind{KindStop, KindScheduleDeletion, KindStart}

// Valid reports whether k belongs to the closed enumeration.
func (k Kind) Valid() bool {
	return k == KindStart || k == KindStop || k == KindScheduleDeletion
}

// Message is the payload handed to workers. It carries the job and project
// identifiers so remote workers can act without a database round-trip, plus
// the per-intent flags.
type Message struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	JobID       string `json:"job_id"`
	JobName     string `json:"job_name"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`

	// Stop flags.
	UpdateStatus bool `json:"update_status,omitempty"`
	CollectLogs  bool `json:"collect_logs,omitempty"`

	// Schedule-deletion flag.
	Immediate bool `json:"immediate,omitempty"`

	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func newMessage(id string, kind Kind, job models.Job) Message {
	return Message{
		ID:          id,
		Kind:        kind,
		JobID:       job.ID,
		JobName:     job.UniqueName(),
		ProjectID:   job.ProjectID,
		ProjectName: job.ProjectName,
		EnqueuedAt:  time.Now().UTC(),
	}
}
