package eventbus

import "time"

// Kind names a run lifecycle transition.
type Kind string

const (
	KindRunStarted  Kind = "run.started"
	KindRunFinished Kind = "run.finished"
	KindRunFailed   Kind = "run.failed"
	KindRunStopped  Kind = "run.stopped"
	KindRunRepaired Kind = "run.repaired"
)

type Notice struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type NoticeInput struct {
	Kind     Kind
	ThreadID string
	RunID    string
	Detail   string
}

type ListOptions struct {
	ThreadID string
	Limit    int
	Order    string
}
