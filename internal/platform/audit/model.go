package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event records one balance-affecting action against the ledger. Before and
// After carry JSON snapshots of the touched account.
type Event struct {
	AuditID    string
	OccurredAt time.Time
	RecordedAt time.Time
	ActorID    string
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
