package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event records one state change of an audited object. Before and After hold
// JSON snapshots of the object.
type Event struct {
	AuditID    string
	RecordedAt time.Time
	ActorID    string
	ActorRole  string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}
