// Package journal is the durable log of ledger submissions whose mirror
// write has not been confirmed yet.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal: record not found")

// State is the lifecycle of a journal record.
//
//	submitted ──► mirror_pending ──► done
//	    │               │
//	    ▼               ▼
//	 reverted        surfaced
type State string

const (
	// StateSubmitted: the transaction was built and possibly broadcast but
	// has not been seen on the ledger.
	StateSubmitted State = "submitted"
	// StateMirrorPending: the ledger confirmed it; the mirror write is owed.
	StateMirrorPending State = "mirror_pending"
	StateDone          State = "done"
	// StateReverted: the ledger rejected or faulted it. Nothing is owed.
	StateReverted State = "reverted"
	// StateSurfaced: retries ran out and an operator has been told.
	StateSurfaced State = "surfaced"
)

// Open reports whether the record still needs work.
func (s State) Open() bool {
	return s == StateSubmitted || s == StateMirrorPending
}

type Operation string

const (
	OpMint              Operation = "mint"
	OpSubmitApplication Operation = "submit_application"
	OpReviewApplication Operation = "review_application"
	OpRevokeApproval    Operation = "revoke_approval"
	OpCompleteAdoption  Operation = "complete_adoption"
	OpCreateProject     Operation = "create_project"
	OpDonate            Operation = "donate"
	OpWithdraw          Operation = "withdraw"
	OpTransfer          Operation = "transfer"
)

// Record is one ledger submission. Payload holds what is needed to derive the
// mirror write again; Result holds the derived outcome once known.
type Record struct {
	ID            string          `json:"id"`
	EntityKey     string          `json:"entity_key"`
	Operation     Operation       `json:"operation"`
	TxHash        string          `json:"tx_hash"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Journal persists records. Implementations must make Append durable before
// returning.
type Journal interface {
	// Append stores a new record, assigning ID and timestamps when unset.
	Append(ctx context.Context, rec Record) (Record, error)
	// Update replaces an existing record and refreshes UpdatedAt.
	Update(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// ListOpen returns open records oldest first. limit <= 0 means no limit.
	ListOpen(ctx context.Context, limit int) ([]Record, error)
	// ListByEntity returns every record for entityKey oldest first.
	ListByEntity(ctx context.Context, entityKey string) ([]Record, error)
	ListByState(ctx context.Context, state State, limit int) ([]Record, error)
}
