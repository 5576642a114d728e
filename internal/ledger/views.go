package ledger

import (
	"fmt"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
)

func (c *Contract) view(method string, p []chain.ContractParam) (chain.StackItem, error) {
	switch method {
	case chain.MethodTotalSupply:
		return chain.Uint64Item(c.totalSupply), nil

	case chain.MethodBalanceOf:
		if err := argCount(p, 1); err != nil {
			return chain.StackItem{}, err
		}
		owner, err := p[0].AsHash160()
		if err != nil {
			return chain.StackItem{}, badArg("owner", err)
		}
		return chain.Uint64Item(c.balances[owner]), nil

	case chain.MethodOwnerOf, chain.MethodTokenURI, chain.MethodGetAnimal:
		if err := argCount(p, 1); err != nil {
			return chain.StackItem{}, err
		}
		id, err := p[0].AsUint64()
		if err != nil {
			return chain.StackItem{}, badArg("tokenId", err)
		}
		a, ok := c.animals[id]
		if !ok {
			return chain.StackItem{}, svcerrors.UnknownEntity("token", id)
		}
		switch method {
		case chain.MethodOwnerOf:
			return chain.Hash160Item(a.owner), nil
		case chain.MethodTokenURI:
			return chain.StringItem(a.uri), nil
		}
		return chain.ArrayItem(
			chain.Uint64Item(a.tokenID),
			chain.Hash160Item(a.owner),
			chain.Hash160Item(a.creator),
			chain.StringItem(a.uri),
			chain.StringItem(a.name),
			chain.StringItem(a.species),
			chain.StringItem(a.breed),
			chain.Uint64Item(a.mintedAt),
		), nil

	case chain.MethodGetApplication:
		id, err := singleID(p, "applicationId")
		if err != nil {
			return chain.StackItem{}, err
		}
		app, ok := c.applications[id]
		if !ok {
			return chain.StackItem{}, svcerrors.UnknownEntity("application", id)
		}
		return chain.ArrayItem(
			chain.Uint64Item(app.id),
			chain.Uint64Item(app.tokenID),
			chain.Hash160Item(app.applicant),
			chain.StringItem(app.reason),
			chain.Uint64Item(uint64(app.status)),
			chain.Uint64Item(app.submittedAt),
		), nil

	case chain.MethodGetProject:
		id, err := singleID(p, "projectId")
		if err != nil {
			return chain.StackItem{}, err
		}
		pr, ok := c.projects[id]
		if !ok {
			return chain.StackItem{}, svcerrors.UnknownEntity("project", id)
		}
		return chain.ArrayItem(
			chain.Uint64Item(pr.id),
			chain.Hash160Item(pr.creator),
			chain.StringItem(pr.title),
			chain.StringItem(pr.description),
			chain.IntegerItem(pr.goal),
			chain.IntegerItem(pr.current),
			chain.IntegerItem(pr.withdrawn),
			chain.BooleanItem(pr.active),
		), nil

	case chain.MethodGetDonation:
		id, err := singleID(p, "donationId")
		if err != nil {
			return chain.StackItem{}, err
		}
		d, ok := c.donations[id]
		if !ok {
			return chain.StackItem{}, svcerrors.UnknownEntity("donation", id)
		}
		return chain.ArrayItem(
			chain.Uint64Item(d.id),
			chain.Uint64Item(d.projectID),
			chain.Hash160Item(d.donor),
			chain.IntegerItem(d.amount),
			chain.StringItem(d.note),
			chain.Uint64Item(d.timestamp),
		), nil
	}

	return chain.StackItem{}, svcerrors.InvalidArgument(fmt.Sprintf("method %q not found", method))
}

func singleID(p []chain.ContractParam, name string) (uint64, error) {
	if err := argCount(p, 1); err != nil {
		return 0, err
	}
	id, err := p[0].AsUint64()
	if err != nil {
		return 0, badArg(name, err)
	}
	return id, nil
}

// Manifest describes the contract ABI as served by getcontractstate.
func (c *Contract) Manifest() chain.ContractState {
	hash160 := func(name string) chain.ABIParam { return chain.ABIParam{Name: name, Type: "Hash160"} }
	integer := func(name string) chain.ABIParam { return chain.ABIParam{Name: name, Type: "Integer"} }
	str := func(name string) chain.ABIParam { return chain.ABIParam{Name: name, Type: "String"} }
	boolean := func(name string) chain.ABIParam { return chain.ABIParam{Name: name, Type: "Boolean"} }

	return chain.ContractState{
		ID:   1,
		Hash: chain.ScriptHashString(c.hash),
		Manifest: chain.Manifest{
			Name: "AnimalProtectionPlatform",
			ABI: chain.ABI{
				Methods: []chain.ABIMethod{
					{Name: chain.MethodMint, Parameters: []chain.ABIParam{hash160("to"), str("metadataURI"), str("name"), str("species"), str("breed")}, ReturnType: "Integer"},
					{Name: chain.MethodSubmitApplication, Parameters: []chain.ABIParam{integer("tokenId"), str("reason")}, ReturnType: "Integer"},
					{Name: chain.MethodReviewApplication, Parameters: []chain.ABIParam{integer("applicationId"), boolean("approved")}, ReturnType: "Void"},
					{Name: chain.MethodRevokeApproval, Parameters: []chain.ABIParam{integer("applicationId")}, ReturnType: "Void"},
					{Name: chain.MethodCompleteAdoption, Parameters: []chain.ABIParam{integer("applicationId")}, ReturnType: "Void"},
					{Name: chain.MethodCreateProject, Parameters: []chain.ABIParam{str("title"), str("description"), integer("goal")}, ReturnType: "Integer"},
					{Name: chain.MethodDonate, Parameters: []chain.ABIParam{integer("projectId"), str("note")}, ReturnType: "Integer"},
					{Name: chain.MethodWithdraw, Parameters: []chain.ABIParam{integer("projectId"), integer("amount")}, ReturnType: "Void"},
					{Name: chain.MethodTransfer, Parameters: []chain.ABIParam{hash160("from"), hash160("to"), integer("tokenId")}, ReturnType: "Void"},
					{Name: chain.MethodTotalSupply, ReturnType: "Integer", Safe: true},
					{Name: chain.MethodOwnerOf, Parameters: []chain.ABIParam{integer("tokenId")}, ReturnType: "Hash160", Safe: true},
				},
				Events: []chain.ABIEvent{
					{Name: chain.EventTransfer, Parameters: []chain.ABIParam{hash160("from"), hash160("to"), integer("tokenId")}},
					{Name: c.mintedEvent, Parameters: []chain.ABIParam{integer("tokenId"), hash160("creator"), str("name"), str("species")}},
					{Name: chain.EventApplicationSubmitted, Parameters: []chain.ABIParam{integer("applicationId"), integer("tokenId"), hash160("applicant")}},
					{Name: chain.EventApplicationReviewed, Parameters: []chain.ABIParam{integer("applicationId"), integer("newStatus"), hash160("reviewer")}},
					{Name: chain.EventAdoptionCompleted, Parameters: []chain.ABIParam{integer("applicationId"), integer("tokenId"), hash160("newOwner")}},
					{Name: chain.EventProjectCreated, Parameters: []chain.ABIParam{integer("projectId"), hash160("creator"), str("title"), integer("goal")}},
					{Name: chain.EventDonationMade, Parameters: []chain.ABIParam{integer("donationId"), integer("projectId"), hash160("donor"), integer("amount")}},
					{Name: chain.EventWithdrawn, Parameters: []chain.ABIParam{integer("projectId"), hash160("to"), integer("amount")}},
					{Name: chain.EventProjectStatusChanged, Parameters: []chain.ABIParam{integer("projectId"), boolean("active")}},
					{Name: chain.EventMinterChanged, Parameters: []chain.ABIParam{hash160("account"), boolean("enabled")}},
				},
			},
		},
	}
}
