// Package incident records conditions that need an operator: transactions
// whose token id could not be recovered, mirror writes that ran out of
// retries, and submissions the ledger never confirmed.
package incident

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/metrics"
)

type Kind string

const (
	KindResolutionFailed   Kind = "resolution_failed"
	KindMirrorSurfaced     Kind = "mirror_surfaced"
	KindUnknownTransaction Kind = "unknown_transaction"
	KindDivergence         Kind = "divergence"
)

type Incident struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	EntityKey      string            `json:"entity_key"`
	TxHash         string            `json:"tx_hash,omitempty"`
	RecordID       string            `json:"record_id,omitempty"`
	Message        string            `json:"message"`
	Details        map[string]string `json:"details,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
}

// Sink receives incidents.
type Sink interface {
	Report(ctx context.Context, inc Incident) (Incident, error)
	List(ctx context.Context, includeAcknowledged bool) ([]Incident, error)
	Acknowledge(ctx context.Context, id string) error
}

var _ Sink = (*Recorder)(nil)

// Recorder keeps incidents in memory and appends each one as a JSON line to
// an audit stream.
type Recorder struct {
	mu        sync.Mutex
	incidents map[string]*Incident
	audit     zerolog.Logger
	now       func() time.Time
}

// NewRecorder writes the audit stream to w. A nil w discards it.
func NewRecorder(w io.Writer) *Recorder {
	if w == nil {
		w = io.Discard
	}
	return &Recorder{
		incidents: make(map[string]*Incident),
		audit:     zerolog.New(w).With().Timestamp().Str("stream", "incident").Logger(),
		now:       time.Now,
	}
}

func (r *Recorder) Report(ctx context.Context, inc Incident) (Incident, error) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = r.now().UTC()
	}

	r.mu.Lock()
	stored := inc
	r.incidents[inc.ID] = &stored
	r.mu.Unlock()

	event := r.audit.Warn().
		Str("id", inc.ID).
		Str("kind", string(inc.Kind)).
		Str("entity", inc.EntityKey).
		Str("tx_hash", inc.TxHash).
		Str("record_id", inc.RecordID)
	for k, v := range inc.Details {
		event = event.Str("detail_"+k, v)
	}
	event.Msg(inc.Message)

	metrics.RecordIncident(string(inc.Kind))
	return inc, nil
}

// List returns incidents oldest first.
func (r *Recorder) List(ctx context.Context, includeAcknowledged bool) ([]Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		if inc.Acknowledged && !includeAcknowledged {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Recorder) Acknowledge(ctx context.Context, id string) error {
	r.mu.Lock()
	inc, ok := r.incidents[id]
	if !ok {
		r.mu.Unlock()
		return svcerrors.UnknownEntity("incident", id)
	}
	if inc.Acknowledged {
		r.mu.Unlock()
		return nil
	}
	at := r.now().UTC()
	inc.Acknowledged = true
	inc.AcknowledgedAt = &at
	r.mu.Unlock()

	r.audit.Info().Str("id", id).Str("kind", string(inc.Kind)).Msg("acknowledged")
	return nil
}
