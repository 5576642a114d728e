package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// ApplicationStatus mirrors the ledger's uint8 status enum.
type ApplicationStatus uint8

const (
	StatusPending ApplicationStatus = iota
	StatusApproved
	StatusRejected
	StatusCompleted
)

func (s ApplicationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Event names emitted by the rescue contract.
const (
	EventMinted               = "Minted"
	EventApplicationSubmitted = "ApplicationSubmitted"
	EventApplicationReviewed  = "ApplicationReviewed"
	EventAdoptionCompleted    = "AdoptionCompleted"
	EventProjectCreated       = "ProjectCreated"
	EventDonationMade         = "DonationMade"
	EventWithdrawn            = "Withdrawn"
	EventTransfer             = "Transfer"
	EventProjectStatusChanged = "ProjectStatusChanged"
	EventMinterChanged        = "MinterChanged"
)

// FindNotifications returns the notifications in log emitted by contract
// under any of names. An empty contract matches every emitter.
func FindNotifications(log *ApplicationLog, contract string, names ...string) []Notification {
	if log == nil {
		return nil
	}
	var out []Notification
	for _, exec := range log.Executions {
		out = append(out, FilterNotifications(exec.Notifications, contract, names...)...)
	}
	return out
}

// FilterNotifications applies the same matching as FindNotifications to a flat list.
func FilterNotifications(ns []Notification, contract string, names ...string) []Notification {
	var out []Notification
	for _, n := range ns {
		if contract != "" && !strings.EqualFold(n.Contract, contract) {
			continue
		}
		for _, name := range names {
			if n.EventName == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func eventArgs(n Notification, min int) ([]StackItem, error) {
	items, err := ParseArray(n.State)
	if err != nil {
		return nil, fmt.Errorf("%s state: %w", n.EventName, err)
	}
	if len(items) < min {
		return nil, fmt.Errorf("%s: expected %d args, got %d", n.EventName, min, len(items))
	}
	return items, nil
}

type MintedEvent struct {
	TokenID uint64
	Creator string
	Name    string
	Species string
}

// DecodeMinted decodes a Minted notification. The event name is not checked so
// that renamed or legacy events with the same layout decode too.
func DecodeMinted(n Notification) (*MintedEvent, error) {
	args, err := eventArgs(n, 4)
	if err != nil {
		return nil, err
	}
	var e MintedEvent
	if e.TokenID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse tokenId: %w", err)
	}
	if e.Creator, err = ParseHash160(args[1]); err != nil {
		return nil, fmt.Errorf("parse creator: %w", err)
	}
	if e.Name, err = ParseString(args[2]); err != nil {
		return nil, fmt.Errorf("parse name: %w", err)
	}
	if e.Species, err = ParseString(args[3]); err != nil {
		return nil, fmt.Errorf("parse species: %w", err)
	}
	return &e, nil
}

type ApplicationSubmittedEvent struct {
	ApplicationID uint64
	TokenID       uint64
	Applicant     string
}

func DecodeApplicationSubmitted(n Notification) (*ApplicationSubmittedEvent, error) {
	args, err := eventArgs(n, 3)
	if err != nil {
		return nil, err
	}
	var e ApplicationSubmittedEvent
	if e.ApplicationID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse applicationId: %w", err)
	}
	if e.TokenID, err = ParseUint64(args[1]); err != nil {
		return nil, fmt.Errorf("parse tokenId: %w", err)
	}
	if e.Applicant, err = ParseHash160(args[2]); err != nil {
		return nil, fmt.Errorf("parse applicant: %w", err)
	}
	return &e, nil
}

type ApplicationReviewedEvent struct {
	ApplicationID uint64
	NewStatus     ApplicationStatus
	Reviewer      string
}

func DecodeApplicationReviewed(n Notification) (*ApplicationReviewedEvent, error) {
	args, err := eventArgs(n, 3)
	if err != nil {
		return nil, err
	}
	var e ApplicationReviewedEvent
	if e.ApplicationID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse applicationId: %w", err)
	}
	status, err := ParseUint64(args[1])
	if err != nil {
		return nil, fmt.Errorf("parse newStatus: %w", err)
	}
	e.NewStatus = ApplicationStatus(status)
	if e.Reviewer, err = ParseHash160(args[2]); err != nil {
		return nil, fmt.Errorf("parse reviewer: %w", err)
	}
	return &e, nil
}

type AdoptionCompletedEvent struct {
	ApplicationID uint64
	TokenID       uint64
	NewOwner      string
}

func DecodeAdoptionCompleted(n Notification) (*AdoptionCompletedEvent, error) {
	args, err := eventArgs(n, 3)
	if err != nil {
		return nil, err
	}
	var e AdoptionCompletedEvent
	if e.ApplicationID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse applicationId: %w", err)
	}
	if e.TokenID, err = ParseUint64(args[1]); err != nil {
		return nil, fmt.Errorf("parse tokenId: %w", err)
	}
	if e.NewOwner, err = ParseHash160(args[2]); err != nil {
		return nil, fmt.Errorf("parse newOwner: %w", err)
	}
	return &e, nil
}

type ProjectCreatedEvent struct {
	ProjectID uint64
	Creator   string
	Title     string
	Goal      *big.Int
}

func DecodeProjectCreated(n Notification) (*ProjectCreatedEvent, error) {
	args, err := eventArgs(n, 4)
	if err != nil {
		return nil, err
	}
	var e ProjectCreatedEvent
	if e.ProjectID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse projectId: %w", err)
	}
	if e.Creator, err = ParseHash160(args[1]); err != nil {
		return nil, fmt.Errorf("parse creator: %w", err)
	}
	if e.Title, err = ParseString(args[2]); err != nil {
		return nil, fmt.Errorf("parse title: %w", err)
	}
	if e.Goal, err = ParseInteger(args[3]); err != nil {
		return nil, fmt.Errorf("parse goal: %w", err)
	}
	return &e, nil
}

type DonationMadeEvent struct {
	DonationID uint64
	ProjectID  uint64
	Donor      string
	Amount     *big.Int
}

func DecodeDonationMade(n Notification) (*DonationMadeEvent, error) {
	args, err := eventArgs(n, 4)
	if err != nil {
		return nil, err
	}
	var e DonationMadeEvent
	if e.DonationID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse donationId: %w", err)
	}
	if e.ProjectID, err = ParseUint64(args[1]); err != nil {
		return nil, fmt.Errorf("parse projectId: %w", err)
	}
	if e.Donor, err = ParseHash160(args[2]); err != nil {
		return nil, fmt.Errorf("parse donor: %w", err)
	}
	if e.Amount, err = ParseInteger(args[3]); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &e, nil
}

type WithdrawnEvent struct {
	ProjectID uint64
	To        string
	Amount    *big.Int
}

func DecodeWithdrawn(n Notification) (*WithdrawnEvent, error) {
	args, err := eventArgs(n, 3)
	if err != nil {
		return nil, err
	}
	var e WithdrawnEvent
	if e.ProjectID, err = ParseUint64(args[0]); err != nil {
		return nil, fmt.Errorf("parse projectId: %w", err)
	}
	if e.To, err = ParseHash160(args[1]); err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}
	if e.Amount, err = ParseInteger(args[2]); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &e, nil
}

type TransferEvent struct {
	From    string
	To      string
	TokenID uint64
}

func DecodeTransfer(n Notification) (*TransferEvent, error) {
	args, err := eventArgs(n, 3)
	if err != nil {
		return nil, err
	}
	var e TransferEvent
	if e.From, err = ParseHash160(args[0]); err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	if e.To, err = ParseHash160(args[1]); err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}
	if e.TokenID, err = ParseUint64(args[2]); err != nil {
		return nil, fmt.Errorf("parse tokenId: %w", err)
	}
	return &e, nil
}
