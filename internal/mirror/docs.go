package mirror

import (
	"fmt"
	"math/big"
	"time"
)

// =============================================================================
// Animals
// =============================================================================

type AnimalStatus string

const (
	StatusRescuing  AnimalStatus = "rescuing"
	StatusAdoptable AnimalStatus = "adoptable"
	StatusAdopted   AnimalStatus = "adopted"
	StatusUrgent    AnimalStatus = "urgent"
)

func (s AnimalStatus) Valid() bool {
	switch s {
	case StatusRescuing, StatusAdoptable, StatusAdopted, StatusUrgent:
		return true
	}
	return false
}

// TokenState tells whether the token id of a confirmed mint is known.
type TokenState string

const (
	TokenResolved   TokenState = "resolved"
	TokenUnresolved TokenState = "unresolved"
)

// ResolutionStep records one strategy tried while recovering a token id.
type ResolutionStep struct {
	Strategy string `json:"strategy"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// NFT links an animal to its ledger token. TokenID stays nil while the
// token is unresolved.
type NFT struct {
	TokenID    *uint64          `json:"token_id"`
	State      TokenState       `json:"state"`
	Contract   string           `json:"contract"`
	TxHash     string           `json:"tx_hash"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	Steps      []ResolutionStep `json:"steps,omitempty"`
}

// ApplicationStage is the mirror's view of an application. Reserved exists
// only off-chain, between the duplicate check and ledger confirmation.
type ApplicationStage string

const (
	StageReserved  ApplicationStage = "reserved"
	StagePending   ApplicationStage = "pending"
	StageApproved  ApplicationStage = "approved"
	StageRejected  ApplicationStage = "rejected"
	StageCompleted ApplicationStage = "completed"
)

// ApplicationEntry summarizes one application inside its animal record.
type ApplicationEntry struct {
	ReservationID string           `json:"reservation_id"`
	ApplicationID uint64           `json:"application_id,omitempty"`
	Applicant     string           `json:"applicant"`
	Stage         ApplicationStage `json:"stage"`
	TxHash        string           `json:"tx_hash,omitempty"`
}

type HistoryAction string

const (
	ActionPublished    HistoryAction = "published"
	ActionApplication  HistoryAction = "application"
	ActionAdopted      HistoryAction = "adopted"
	ActionStatusUpdate HistoryAction = "status_update"
	ActionRollback     HistoryAction = "rollback"
	ActionTransferred  HistoryAction = "transferred"
)

type HistoryEntry struct {
	Action        HistoryAction `json:"action"`
	TxHash        string        `json:"tx_hash,omitempty"`
	ApplicationID uint64        `json:"application_id,omitempty"`
	Actor         string        `json:"actor,omitempty"`
	Note          string        `json:"note,omitempty"`
	At            time.Time     `json:"at"`
}

// Animal is the mirror record of a rescued animal. It is also the unit of
// optimistic concurrency for its applications.
type Animal struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Species      string             `json:"species"`
	Breed        string             `json:"breed"`
	Description  string             `json:"description,omitempty"`
	MetadataURI  string             `json:"metadata_uri"`
	Status       AnimalStatus       `json:"status"`
	Owner        string             `json:"owner"`
	Adopter      string             `json:"adopter,omitempty"`
	NFT          *NFT               `json:"nft,omitempty"`
	Applications []ApplicationEntry `json:"applications,omitempty"`
	History      []HistoryEntry     `json:"history,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// TokenID returns the resolved token id.
func (a *Animal) TokenID() (uint64, bool) {
	if a.NFT == nil || a.NFT.State != TokenResolved || a.NFT.TokenID == nil {
		return 0, false
	}
	return *a.NFT.TokenID, true
}

// AddHistory appends h unless an entry with the same action and tx hash is
// already present. It reports whether h was added.
func (a *Animal) AddHistory(h HistoryEntry) bool {
	if h.TxHash != "" {
		for _, e := range a.History {
			if e.Action == h.Action && e.TxHash == h.TxHash {
				return false
			}
		}
	}
	a.History = append(a.History, h)
	return true
}

// Application returns the entry for applicationID.
func (a *Animal) Application(applicationID uint64) (*ApplicationEntry, bool) {
	for i := range a.Applications {
		if a.Applications[i].ApplicationID == applicationID && applicationID != 0 {
			return &a.Applications[i], true
		}
	}
	return nil, false
}

// Reservation returns the entry holding reservationID.
func (a *Animal) Reservation(reservationID string) (*ApplicationEntry, bool) {
	for i := range a.Applications {
		if a.Applications[i].ReservationID == reservationID {
			return &a.Applications[i], true
		}
	}
	return nil, false
}

// =============================================================================
// Applications
// =============================================================================

// Application is the full mirror record of an adoption application.
type Application struct {
	ApplicationID  uint64           `json:"application_id"`
	TokenID        uint64           `json:"token_id"`
	AnimalID       string           `json:"animal_id"`
	Applicant      string           `json:"applicant"`
	Reason         string           `json:"reason"`
	Status         ApplicationStage `json:"status"`
	SubmittedAt    uint64           `json:"submitted_at"`
	SubmitTxHash   string           `json:"submit_tx_hash"`
	ReviewTxHash   string           `json:"review_tx_hash,omitempty"`
	CompleteTxHash string           `json:"complete_tx_hash,omitempty"`
}

// ApplicationKey is the document id of an application.
func ApplicationKey(tokenID, applicationID uint64) string {
	return fmt.Sprintf("%d:%d", tokenID, applicationID)
}

// =============================================================================
// Projects and donations
// =============================================================================

type Withdrawal struct {
	TxHash string `json:"tx_hash"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Project mirrors a funding project. Amounts are decimal strings in the
// smallest currency unit.
type Project struct {
	ProjectID     uint64       `json:"project_id"`
	Creator       string       `json:"creator"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Goal          string       `json:"goal"`
	CurrentAmount string       `json:"current_amount"`
	Withdrawn     string       `json:"withdrawn"`
	IsActive      bool         `json:"is_active"`
	Donations     []uint64     `json:"donations,omitempty"`
	Withdrawals   []Withdrawal `json:"withdrawals,omitempty"`
	TxHash        string       `json:"tx_hash"`
}

// Progress returns CurrentAmount as a percentage of Goal. Overfunded
// projects report more than 100.
func (p *Project) Progress() int64 {
	goal := Amount(p.Goal)
	if goal.Sign() <= 0 {
		return 0
	}
	pct := new(big.Int).Mul(Amount(p.CurrentAmount), big.NewInt(100))
	return pct.Quo(pct, goal).Int64()
}

func (p *Project) HasDonation(donationID uint64) bool {
	for _, id := range p.Donations {
		if id == donationID {
			return true
		}
	}
	return false
}

func (p *Project) HasWithdrawal(txHash string) bool {
	for _, w := range p.Withdrawals {
		if w.TxHash == txHash {
			return true
		}
	}
	return false
}

type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationCompleted DonationStatus = "completed"
	DonationFailed    DonationStatus = "failed"
)

// Donation mirrors a confirmed donation. ProjectID 0 means unassigned.
type Donation struct {
	DonationID uint64         `json:"donation_id"`
	ProjectID  uint64         `json:"project_id"`
	Donor      string         `json:"donor"`
	Amount     string         `json:"amount"`
	Note       string         `json:"note"`
	Status     DonationStatus `json:"status"`
	TxHash     string         `json:"tx_hash"`
	Timestamp  uint64         `json:"timestamp,omitempty"`
}

// Amount parses a decimal amount, treating malformed or empty values as zero.
func Amount(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// ID formats a ledger id as a document id.
func ID(n uint64) string {
	return fmt.Sprintf("%d", n)
}
