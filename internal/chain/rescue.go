package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
)

// Contract method names.
const (
	MethodMint              = "mintAnimalNFT"
	MethodSubmitApplication = "submitApplication"
	MethodReviewApplication = "reviewApplication"
	MethodRevokeApproval    = "revokeApproval"
	MethodCompleteAdoption  = "completeAdoption"
	MethodCreateProject     = "createProject"
	MethodDonate            = "donate"
	MethodWithdraw          = "withdraw"
	MethodTransfer          = "transfer"
	MethodSetProjectActive  = "setProjectActive"
	MethodGrantMinter       = "grantMinter"
	MethodRevokeMinter      = "revokeMinter"

	MethodTotalSupply    = "totalSupply"
	MethodOwnerOf        = "ownerOf"
	MethodTokenURI       = "tokenURI"
	MethodBalanceOf      = "balanceOf"
	MethodGetAnimal      = "getAnimal"
	MethodGetApplication = "getApplication"
	MethodGetProject     = "getProject"
	MethodGetDonation    = "getDonation"
)

// RescueContract is a typed binding to the deployed rescue contract.
type RescueContract struct {
	backend Backend
	hash    string
}

// NewRescueContract binds to the contract at scriptHash.
func NewRescueContract(backend Backend, scriptHash string) *RescueContract {
	return &RescueContract{backend: backend, hash: scriptHash}
}

func (c *RescueContract) Hash() string { return c.hash }

func (c *RescueContract) Backend() Backend { return c.backend }

// =============================================================================
// Transactions
// =============================================================================

// Prepare builds and test-executes a state-changing call. A FAULT during the
// test run is returned as the mapped domain error; nothing is broadcast.
func (c *RescueContract) Prepare(ctx context.Context, signer, method string, value *big.Int, params ...ContractParam) (*PreparedTx, error) {
	res, err := c.backend.PrepareInvocation(ctx, Invocation{
		ScriptHash: c.hash,
		Method:     method,
		Params:     params,
		Signer:     signer,
		Value:      value,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", method, err)
	}
	if res.State != VMStateHalt {
		return nil, svcerrors.FromRevert("", res.Exception)
	}
	if res.Tx == "" {
		return nil, fmt.Errorf("prepare %s: node returned no transaction", method)
	}

	txHash, err := HashTransaction(res.Tx)
	if err != nil {
		return nil, err
	}
	return &PreparedTx{Hash: txHash, Raw: res.Tx, Method: method}, nil
}

// Broadcast sends a prepared transaction. An *RPCError means the node
// refused it; any other error leaves the outcome unknown.
func (c *RescueContract) Broadcast(ctx context.Context, tx *PreparedTx) error {
	got, err := c.backend.SendRawTransaction(ctx, tx.Raw)
	if err != nil {
		return err
	}
	if got != tx.Hash {
		return fmt.Errorf("node reported hash %s for transaction %s", got, tx.Hash)
	}
	return nil
}

// WaitForConfirmation blocks until txHash has an application log.
func (c *RescueContract) WaitForConfirmation(ctx context.Context, txHash string, poll time.Duration) (*ApplicationLog, error) {
	return WaitForApplicationLog(ctx, c.backend, txHash, poll)
}

// Status re-queries a transaction once. found is false while the node does
// not know the transaction.
func (c *RescueContract) Status(ctx context.Context, txHash string) (log *ApplicationLog, found bool, err error) {
	log, err = c.backend.GetApplicationLog(ctx, txHash)
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return log, true, nil
}

// CheckExecution returns the mapped domain error if the transaction faulted.
func CheckExecution(log *ApplicationLog) error {
	if log == nil || len(log.Executions) == 0 {
		return fmt.Errorf("application log has no executions")
	}
	exec := log.Executions[0]
	if exec.VMState != VMStateHalt {
		return svcerrors.FromRevert(log.TxHash, exec.Exception)
	}
	return nil
}

func (c *RescueContract) PrepareMint(ctx context.Context, signer, to, uri, name, species, breed string) (*PreparedTx, error) {
	return c.Prepare(ctx, signer, MethodMint, nil,
		Hash160Param(to), StringParam(uri), StringParam(name), StringParam(species), StringParam(breed))
}

func (c *RescueContract) PrepareSubmitApplication(ctx context.Context, applicant string, tokenID uint64, reason string) (*PreparedTx, error) {
	return c.Prepare(ctx, applicant, MethodSubmitApplication, nil, Uint64Param(tokenID), StringParam(reason))
}

func (c *RescueContract) PrepareReviewApplication(ctx context.Context, reviewer string, applicationID uint64, approved bool) (*PreparedTx, error) {
	return c.Prepare(ctx, reviewer, MethodReviewApplication, nil, Uint64Param(applicationID), BoolParam(approved))
}

func (c *RescueContract) PrepareRevokeApproval(ctx context.Context, reviewer string, applicationID uint64) (*PreparedTx, error) {
	return c.Prepare(ctx, reviewer, MethodRevokeApproval, nil, Uint64Param(applicationID))
}

func (c *RescueContract) PrepareCompleteAdoption(ctx context.Context, applicant string, applicationID uint64) (*PreparedTx, error) {
	return c.Prepare(ctx, applicant, MethodCompleteAdoption, nil, Uint64Param(applicationID))
}

func (c *RescueContract) PrepareCreateProject(ctx context.Context, creator, title, description string, goal *big.Int) (*PreparedTx, error) {
	return c.Prepare(ctx, creator, MethodCreateProject, nil, StringParam(title), StringParam(description), IntegerParam(goal))
}

// PrepareDonate builds a donation. projectID zero records an unassigned donation.
func (c *RescueContract) PrepareDonate(ctx context.Context, donor string, projectID uint64, note string, amount *big.Int) (*PreparedTx, error) {
	return c.Prepare(ctx, donor, MethodDonate, amount, Uint64Param(projectID), StringParam(note))
}

func (c *RescueContract) PrepareWithdraw(ctx context.Context, creator string, projectID uint64, amount *big.Int) (*PreparedTx, error) {
	return c.Prepare(ctx, creator, MethodWithdraw, nil, Uint64Param(projectID), IntegerParam(amount))
}

func (c *RescueContract) PrepareTransfer(ctx context.Context, owner, to string, tokenID uint64) (*PreparedTx, error) {
	return c.Prepare(ctx, owner, MethodTransfer, nil, Hash160Param(owner), Hash160Param(to), Uint64Param(tokenID))
}

func (c *RescueContract) PrepareSetProjectActive(ctx context.Context, creator string, projectID uint64, active bool) (*PreparedTx, error) {
	return c.Prepare(ctx, creator, MethodSetProjectActive, nil, Uint64Param(projectID), BoolParam(active))
}

func (c *RescueContract) PrepareGrantMinter(ctx context.Context, owner, minter string) (*PreparedTx, error) {
	return c.Prepare(ctx, owner, MethodGrantMinter, nil, Hash160Param(minter))
}

func (c *RescueContract) PrepareRevokeMinter(ctx context.Context, owner, minter string) (*PreparedTx, error) {
	return c.Prepare(ctx, owner, MethodRevokeMinter, nil, Hash160Param(minter))
}

// =============================================================================
// Read views
// =============================================================================

func (c *RescueContract) read(ctx context.Context, method string, params ...ContractParam) (StackItem, error) {
	res, err := c.backend.InvokeFunction(ctx, c.hash, method, params)
	if err != nil {
		return StackItem{}, fmt.Errorf("invoke %s: %w", method, err)
	}
	if res.State != VMStateHalt {
		return StackItem{}, svcerrors.FromRevert("", res.Exception)
	}
	if len(res.Stack) == 0 {
		return StackItem{}, fmt.Errorf("invoke %s: empty stack", method)
	}
	return res.Stack[0], nil
}

func (c *RescueContract) TotalSupply(ctx context.Context) (uint64, error) {
	item, err := c.read(ctx, MethodTotalSupply)
	if err != nil {
		return 0, err
	}
	return ParseUint64(item)
}

// OwnerOf returns the owner address of tokenID. Unknown tokens fail with
// UnknownEntity.
func (c *RescueContract) OwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	item, err := c.read(ctx, MethodOwnerOf, Uint64Param(tokenID))
	if err != nil {
		return "", err
	}
	return ParseHash160(item)
}

func (c *RescueContract) TokenURI(ctx context.Context, tokenID uint64) (string, error) {
	item, err := c.read(ctx, MethodTokenURI, Uint64Param(tokenID))
	if err != nil {
		return "", err
	}
	return ParseString(item)
}

func (c *RescueContract) BalanceOf(ctx context.Context, owner string) (uint64, error) {
	item, err := c.read(ctx, MethodBalanceOf, Hash160Param(owner))
	if err != nil {
		return 0, err
	}
	return ParseUint64(item)
}

func (c *RescueContract) GetAnimal(ctx context.Context, tokenID uint64) (*AnimalView, error) {
	item, err := c.read(ctx, MethodGetAnimal, Uint64Param(tokenID))
	if err != nil {
		return nil, err
	}
	return ParseAnimal(item)
}

func (c *RescueContract) GetApplication(ctx context.Context, applicationID uint64) (*ApplicationView, error) {
	item, err := c.read(ctx, MethodGetApplication, Uint64Param(applicationID))
	if err != nil {
		return nil, err
	}
	return ParseApplication(item)
}

func (c *RescueContract) GetProject(ctx context.Context, projectID uint64) (*ProjectView, error) {
	item, err := c.read(ctx, MethodGetProject, Uint64Param(projectID))
	if err != nil {
		return nil, err
	}
	return ParseProject(item)
}

func (c *RescueContract) GetDonation(ctx context.Context, donationID uint64) (*DonationView, error) {
	item, err := c.read(ctx, MethodGetDonation, Uint64Param(donationID))
	if err != nil {
		return nil, err
	}
	return ParseDonation(item)
}
