package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// =============================================================================
// Addresses
// =============================================================================

// ParseAddress accepts a Neo address or a 0x-prefixed little-endian script hash.
func ParseAddress(s string) (util.Uint160, error) {
	if s == "" {
		return util.Uint160{}, fmt.Errorf("empty address")
	}
	if strings.HasPrefix(s, "0x") {
		u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return util.Uint160{}, fmt.Errorf("invalid script hash %q: %w", s, err)
		}
		return u, nil
	}
	u, err := address.StringToUint160(s)
	if err != nil {
		return util.Uint160{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return u, nil
}

// AddressOf renders a script hash as a Neo address.
func AddressOf(u util.Uint160) string {
	return address.Uint160ToString(u)
}

// NormalizeAddress returns the canonical address form of s.
func NormalizeAddress(s string) (string, error) {
	u, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return AddressOf(u), nil
}

// ScriptHashString renders a contract hash in the 0x-prefixed form used by RPC.
func ScriptHashString(u util.Uint160) string {
	return "0x" + u.StringLE()
}

// =============================================================================
// Stack Item Parsers
// =============================================================================

// ParseArray extracts an array of StackItems from a parent StackItem.
func ParseArray(item StackItem) ([]StackItem, error) {
	if item.Type != "Array" && item.Type != "Struct" {
		return nil, fmt.Errorf("expected Array or Struct, got %s", item.Type)
	}

	var items []StackItem
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}

func ParseByteArray(item StackItem) ([]byte, error) {
	switch item.Type {
	case "ByteString", "Buffer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, err
		}
		return hex.DecodeString(value)
	case "Any", "Null":
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseHash160 decodes a 20-byte script hash item into an address. A null
// item, as in the from field of a mint Transfer, yields "".
func ParseHash160(item StackItem) (string, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", nil
	}
	u, err := util.Uint160DecodeBytesBE(b)
	if err != nil {
		return "", fmt.Errorf("decode hash160: %w", err)
	}
	return AddressOf(u), nil
}

func ParseInteger(item StackItem) (*big.Int, error) {
	if item.Type != "Integer" {
		return nil, fmt.Errorf("unexpected type: %s", item.Type)
	}
	var value string
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", value)
	}
	return n, nil
}

func ParseUint64(item StackItem) (uint64, error) {
	n, err := ParseInteger(item)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("integer %s out of range", n)
	}
	return n.Uint64(), nil
}

func ParseBoolean(item StackItem) (bool, error) {
	if item.Type != "Boolean" {
		return false, fmt.Errorf("unexpected type: %s", item.Type)
	}
	var value bool
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return false, err
	}
	return value, nil
}

func ParseString(item StackItem) (string, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return "", fmt.Errorf("unexpected type for string: %s", item.Type)
	}
	return string(b), nil
}

// =============================================================================
// Struct parsers
// =============================================================================

// AnimalView is the ledger's record for a token.
type AnimalView struct {
	TokenID     uint64
	Owner       string
	Creator     string
	MetadataURI string
	Name        string
	Species     string
	Breed       string
	MintedAt    uint64
}

func ParseAnimal(item StackItem) (*AnimalView, error) {
	items, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(items) < 8 {
		return nil, fmt.Errorf("expected 8 items, got %d", len(items))
	}

	var a AnimalView
	if a.TokenID, err = ParseUint64(items[0]); err != nil {
		return nil, fmt.Errorf("parse tokenId: %w", err)
	}
	if a.Owner, err = ParseHash160(items[1]); err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	if a.Creator, err = ParseHash160(items[2]); err != nil {
		return nil, fmt.Errorf("parse creator: %w", err)
	}
	if a.MetadataURI, err = ParseString(items[3]); err != nil {
		return nil, fmt.Errorf("parse metadataURI: %w", err)
	}
	if a.Name, err = ParseString(items[4]); err != nil {
		return nil, fmt.Errorf("parse name: %w", err)
	}
	if a.Species, err = ParseString(items[5]); err != nil {
		return nil, fmt.Errorf("parse species: %w", err)
	}
	if a.Breed, err = ParseString(items[6]); err != nil {
		return nil, fmt.Errorf("parse breed: %w", err)
	}
	if a.MintedAt, err = ParseUint64(items[7]); err != nil {
		return nil, fmt.Errorf("parse mintedAt: %w", err)
	}
	return &a, nil
}

// ApplicationView is the ledger's record for an adoption application.
type ApplicationView struct {
	ApplicationID uint64
	TokenID       uint64
	Applicant     string
	Reason        string
	Status        ApplicationStatus
	SubmittedAt   uint64
}

func ParseApplication(item StackItem) (*ApplicationView, error) {
	items, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(items) < 6 {
		return nil, fmt.Errorf("expected 6 items, got %d", len(items))
	}

	var a ApplicationView
	if a.ApplicationID, err = ParseUint64(items[0]); err != nil {
		return nil, fmt.Errorf("parse applicationId: %w", err)
	}
	if a.TokenID, err = ParseUint64(items[1]); err != nil {
		return nil, fmt.Errorf("parse tokenId: %w", err)
	}
	if a.Applicant, err = ParseHash160(items[2]); err != nil {
		return nil, fmt.Errorf("parse applicant: %w", err)
	}
	if a.Reason, err = ParseString(items[3]); err != nil {
		return nil, fmt.Errorf("parse reason: %w", err)
	}
	status, err := ParseUint64(items[4])
	if err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	a.Status = ApplicationStatus(status)
	if a.SubmittedAt, err = ParseUint64(items[5]); err != nil {
		return nil, fmt.Errorf("parse submittedAt: %w", err)
	}
	return &a, nil
}

// ProjectView is the ledger's record for a rescue project.
type ProjectView struct {
	ProjectID     uint64
	Creator       string
	Title         string
	Description   string
	Goal          *big.Int
	CurrentAmount *big.Int
	Withdrawn     *big.Int
	IsActive      bool
}

func ParseProject(item StackItem) (*ProjectView, error) {
	items, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(items) < 8 {
		return nil, fmt.Errorf("expected 8 items, got %d", len(items))
	}

	var p ProjectView
	if p.ProjectID, err = ParseUint64(items[0]); err != nil {
		return nil, fmt.Errorf("parse projectId: %w", err)
	}
	if p.Creator, err = ParseHash160(items[1]); err != nil {
		return nil, fmt.Errorf("parse creator: %w", err)
	}
	if p.Title, err = ParseString(items[2]); err != nil {
		return nil, fmt.Errorf("parse title: %w", err)
	}
	if p.Description, err = ParseString(items[3]); err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	if p.Goal, err = ParseInteger(items[4]); err != nil {
		return nil, fmt.Errorf("parse goal: %w", err)
	}
	if p.CurrentAmount, err = ParseInteger(items[5]); err != nil {
		return nil, fmt.Errorf("parse currentAmount: %w", err)
	}
	if p.Withdrawn, err = ParseInteger(items[6]); err != nil {
		return nil, fmt.Errorf("parse withdrawn: %w", err)
	}
	if p.IsActive, err = ParseBoolean(items[7]); err != nil {
		return nil, fmt.Errorf("parse isActive: %w", err)
	}
	return &p, nil
}

// DonationView is the ledger's record for a donation. ProjectID is zero for
// unassigned donations.
type DonationView struct {
	DonationID uint64
	ProjectID  uint64
	Donor      string
	Amount     *big.Int
	Note       string
	Timestamp  uint64
}

func ParseDonation(item StackItem) (*DonationView, error) {
	items, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(items) < 6 {
		return nil, fmt.Errorf("expected 6 items, got %d", len(items))
	}

	var d DonationView
	if d.DonationID, err = ParseUint64(items[0]); err != nil {
		return nil, fmt.Errorf("parse donationId: %w", err)
	}
	if d.ProjectID, err = ParseUint64(items[1]); err != nil {
		return nil, fmt.Errorf("parse projectId: %w", err)
	}
	if d.Donor, err = ParseHash160(items[2]); err != nil {
		return nil, fmt.Errorf("parse donor: %w", err)
	}
	if d.Amount, err = ParseInteger(items[3]); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if d.Note, err = ParseString(items[4]); err != nil {
		return nil, fmt.Errorf("parse note: %w", err)
	}
	if d.Timestamp, err = ParseUint64(items[5]); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &d, nil
}
