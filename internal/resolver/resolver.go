// Package resolver recovers the token id assigned by a confirmed mint when
// the ledger does not hand it back directly. Strategies run in a fixed order
// and every attempt is recorded so the result can be audited.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/logging"
	"github.com/R3E-Network/animal_rescue/internal/metrics"
)

type Strategy string

const (
	StrategyEventLog   Strategy = "event_log"
	StrategySupplyDiff Strategy = "supply_diff"
	StrategyBlockRange Strategy = "block_range"
	StrategyOwnerProbe Strategy = "owner_probe"
)

// Order is the order strategies are tried in.
var Order = []Strategy{StrategyEventLog, StrategySupplyDiff, StrategyBlockRange, StrategyOwnerProbe}

type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeNoMatch  Outcome = "no_match"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeError    Outcome = "error"
)

type Attempt struct {
	Strategy Strategy `json:"strategy"`
	Outcome  Outcome  `json:"outcome"`
	Detail   string   `json:"detail,omitempty"`
}

// Request describes a confirmed mint.
type Request struct {
	TxHash string
	// Recipient is the address the token was minted to.
	Recipient string
	// Log is the application log if the caller already has it.
	Log *chain.ApplicationLog
	// Exclusive is set when the caller held the mint lock from before
	// SupplyBefore was read until now.
	Exclusive    bool
	SupplyBefore *uint64
}

// Result is the outcome of Resolve. TokenID is meaningful only when Resolved.
type Result struct {
	TokenID  uint64    `json:"token_id,omitempty"`
	Resolved bool      `json:"resolved"`
	Strategy Strategy  `json:"strategy,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// Strategies lists the names of the attempted strategies in order.
func (r Result) Strategies() []string {
	out := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		out = append(out, string(a.Strategy))
	}
	return out
}

type Config struct {
	// ProbeCap bounds the ownerOf probe.
	ProbeCap uint64
	// EventAliases are legacy names of the mint event.
	EventAliases []string
	// BlockWindow widens the block scan around the confirmed height.
	BlockWindow uint64
}

const defaultProbeCap = 100

type Resolver struct {
	contract *chain.RescueContract
	cfg      Config
	logger   *logging.Logger
}

func New(contract *chain.RescueContract, cfg Config, logger *logging.Logger) *Resolver {
	if cfg.ProbeCap == 0 {
		cfg.ProbeCap = defaultProbeCap
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Resolver{contract: contract, cfg: cfg, logger: logger.WithComponent("resolver")}
}

type step func(ctx context.Context, req Request) (uint64, Outcome, string)

// Resolve runs the strategies in Order and stops at the first success. When
// every strategy fails it returns a ResolutionFailed error together with the
// unresolved Result; the token id is never guessed.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	steps := map[Strategy]step{
		StrategyEventLog:   r.fromEventLog,
		StrategySupplyDiff: r.fromSupplyDiff,
		StrategyBlockRange: r.fromBlockRange,
		StrategyOwnerProbe: r.fromOwnerProbe,
	}

	if req.Recipient != "" {
		if addr, err := chain.NormalizeAddress(req.Recipient); err == nil {
			req.Recipient = addr
		}
	}

	var res Result
	for _, s := range Order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id, outcome, detail := steps[s](ctx, req)
		res.Attempts = append(res.Attempts, Attempt{Strategy: s, Outcome: outcome, Detail: detail})
		if outcome == OutcomeResolved {
			res.TokenID, res.Resolved, res.Strategy = id, true, s
			metrics.RecordResolution(string(s))
			r.logger.Info(ctx, "token id resolved", map[string]interface{}{
				"tx_hash":  req.TxHash,
				"token_id": id,
				"strategy": string(s),
			})
			return res, nil
		}
	}

	metrics.RecordResolution("unresolved")
	r.logger.Warn(ctx, "token id unresolved", map[string]interface{}{
		"tx_hash":  req.TxHash,
		"attempts": res.Attempts,
	})
	return res, svcerrors.ResolutionFailed(req.TxHash, res.Strategies())
}

// =============================================================================
// Strategies
// =============================================================================

func (r *Resolver) fromEventLog(ctx context.Context, req Request) (uint64, Outcome, string) {
	log := req.Log
	if log == nil || len(chain.FindNotifications(log, r.contract.Hash(), chain.EventMinted)) == 0 {
		fetched, found, err := r.contract.Status(ctx, req.TxHash)
		if err != nil {
			return 0, OutcomeError, err.Error()
		}
		if !found {
			return 0, OutcomeNoMatch, "transaction has no application log"
		}
		log = fetched
	}

	events := chain.FindNotifications(log, r.contract.Hash(), chain.EventMinted)
	switch len(events) {
	case 0:
		return 0, OutcomeNoMatch, "no " + chain.EventMinted + " notification in application log"
	case 1:
	default:
		return 0, OutcomeNoMatch, fmt.Sprintf("%d %s notifications in one transaction", len(events), chain.EventMinted)
	}
	ev, err := chain.DecodeMinted(events[0])
	if err != nil {
		return 0, OutcomeError, err.Error()
	}
	return ev.TokenID, OutcomeResolved, ""
}

func (r *Resolver) fromSupplyDiff(ctx context.Context, req Request) (uint64, Outcome, string) {
	if !req.Exclusive || req.SupplyBefore == nil {
		return 0, OutcomeSkipped, "mint lock not held exclusively"
	}
	after, err := r.contract.TotalSupply(ctx)
	if err != nil {
		return 0, OutcomeError, err.Error()
	}
	before := *req.SupplyBefore
	if after != before+1 {
		return 0, OutcomeNoMatch, fmt.Sprintf("supply moved from %d to %d", before, after)
	}
	if req.Recipient != "" {
		owner, err := r.contract.OwnerOf(ctx, after)
		if err != nil {
			return 0, OutcomeError, err.Error()
		}
		if owner != req.Recipient {
			return 0, OutcomeNoMatch, fmt.Sprintf("token %d is owned by %s", after, owner)
		}
	}
	return after, OutcomeResolved, fmt.Sprintf("supply %d -> %d", before, after)
}

// mintEventNames returns the primary mint event name, the configured aliases
// and any manifest event shaped like the mint event.
func (r *Resolver) mintEventNames(ctx context.Context) []string {
	seen := map[string]bool{chain.EventMinted: true}
	names := []string{chain.EventMinted}
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, a := range r.cfg.EventAliases {
		add(a)
	}

	state, err := r.contract.Backend().GetContractState(ctx, r.contract.Hash())
	if err != nil {
		r.logger.Debug(ctx, "contract manifest unavailable", map[string]interface{}{"error": err.Error()})
		return names
	}
	for _, e := range state.Manifest.ABI.Events {
		if looksLikeMint(e) {
			add(e.Name)
		}
	}
	return names
}

func looksLikeMint(e chain.ABIEvent) bool {
	want := []string{"Integer", "Hash160", "String", "String"}
	if len(e.Parameters) != len(want) {
		return false
	}
	for i, p := range e.Parameters {
		if p.Type != want[i] {
			return false
		}
	}
	return true
}

func (r *Resolver) fromBlockRange(ctx context.Context, req Request) (uint64, Outcome, string) {
	backend := r.contract.Backend()
	height, err := backend.GetTransactionHeight(ctx, req.TxHash)
	if err != nil {
		return 0, OutcomeError, err.Error()
	}

	names := r.mintEventNames(ctx)
	from := uint64(0)
	if height > r.cfg.BlockWindow {
		from = height - r.cfg.BlockWindow
	}
	to := height + r.cfg.BlockWindow

	var found []chain.Notification
	for index := from; index <= to; index++ {
		ns, err := backend.GetBlockNotifications(ctx, index)
		if err != nil {
			if index > height && chain.IsRejected(err) {
				break
			}
			if rpcErr := asRPCError(err); rpcErr != nil && rpcErr.Code == chain.ErrCodeMethodNotFound {
				return 0, OutcomeSkipped, "node does not index block notifications"
			}
			return 0, OutcomeError, err.Error()
		}
		for _, n := range chain.FilterNotifications(ns, r.contract.Hash(), names...) {
			if strings.EqualFold(n.Container, req.TxHash) {
				found = append(found, n)
			}
		}
	}

	if len(found) != 1 {
		return 0, OutcomeNoMatch, fmt.Sprintf("%d mint notifications for tx in blocks %d..%d (events %s)", len(found), from, to, strings.Join(names, ","))
	}
	ev, err := chain.DecodeMinted(found[0])
	if err != nil {
		return 0, OutcomeError, err.Error()
	}
	return ev.TokenID, OutcomeResolved, fmt.Sprintf("%s in block %d", found[0].EventName, height)
}

func (r *Resolver) fromOwnerProbe(ctx context.Context, req Request) (uint64, Outcome, string) {
	if req.Recipient == "" {
		return 0, OutcomeSkipped, "mint recipient unknown"
	}

	var best, probed uint64
	for i := uint64(1); i <= r.cfg.ProbeCap; i++ {
		owner, err := r.contract.OwnerOf(ctx, i)
		if svcerrors.IsCode(err, svcerrors.CodeUnknownEntity) {
			break
		}
		if err != nil {
			return 0, OutcomeError, err.Error()
		}
		probed = i
		if owner == req.Recipient {
			best = i
		}
	}
	if best == 0 {
		return 0, OutcomeNoMatch, fmt.Sprintf("none of tokens 1..%d owned by recipient", probed)
	}
	return best, OutcomeResolved, fmt.Sprintf("highest of tokens 1..%d owned by recipient", probed)
}
