package simulation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/pkg/types"
)

// plan is the shape of a scenario: how many operations of each kind and how
// many participant accounts it needs besides the funder.
type plan struct {
	scenario     types.Scenario
	counts       map[operation.Kind]int
	participants int

	// toNew marks transfers that go from the funder to fresh recipients.
	toNew bool
}

func newPlan(cfg *config.Config) plan {
	n := cfg.TxCount()
	others := max(cfg.NumberOfAccounts-1, 1)

	p := plan{scenario: cfg.Scenario, participants: others}
	switch cfg.Scenario {
	case types.ScenarioDeposit:
		p.counts = map[operation.Kind]int{operation.KindDeposit: n}
	case types.ScenarioTransfer:
		p.counts = map[operation.Kind]int{operation.KindTransfer: n}
		p.participants = cfg.NumberOfAccounts
	case types.ScenarioTransferToNew:
		p.counts = map[operation.Kind]int{operation.KindTransfer: n}
		p.toNew = true
	case types.ScenarioWithdraw:
		p.counts = map[operation.Kind]int{operation.KindWithdraw: n}
	case types.ScenarioChangePubKey:
		p.counts = map[operation.Kind]int{operation.KindChangePubKey: n}
		p.participants = n
	case types.ScenarioAll:
		// Deposits for the first half of the running time, then transfers to new accounts.
		half := cfg.WithDuration(cfg.TotalRunningTimeSeconds / 2).TxCount()
		p.counts = map[operation.Kind]int{
			operation.KindDeposit:  half,
			operation.KindTransfer: n - half,
		}
		p.toNew = true
	}
	return p
}

func (p plan) total() int {
	n := 0
	for _, c := range p.counts {
		n += c
	}
	return n
}

// freshParticipants reports whether participants should be accounts that
// have never been activated.
func (p plan) freshParticipants() bool {
	switch p.scenario {
	case types.ScenarioChangePubKey, types.ScenarioTransferToNew, types.ScenarioAll:
		return true
	}
	return false
}

// usesL2 reports whether the funder acts on L2 and so needs a signing key.
func (p plan) usesL2() bool {
	return p.scenario != types.ScenarioDeposit
}

// activeParticipants reports whether participants send L2 operations
// themselves and must be activated before submission.
func (p plan) activeParticipants() bool {
	return p.scenario == types.ScenarioTransfer || p.scenario == types.ScenarioWithdraw
}

// build prepares the scenario's operations. Transfers between participants
// and withdrawals follow schedule.
func (p plan) build(prep *operation.Preparer, funder operation.Sender, pool []operation.Sender, recipients []common.Address, schedule []operation.Sender) ([]*operation.Operation, error) {
	var (
		ops []*operation.Operation
		err error
	)
	switch p.scenario {
	case types.ScenarioDeposit:
		ops, err = prep.GenerateDeposits(p.counts[operation.KindDeposit], funder, recipients)
	case types.ScenarioTransfer:
		ops, err = prep.GenerateTransfersToExisting(schedule, pool)
	case types.ScenarioTransferToNew:
		ops, err = prep.GenerateTransfersToNew(p.counts[operation.KindTransfer], funder, recipients)
	case types.ScenarioWithdraw:
		ops, err = prep.GenerateWithdrawals(schedule)
	case types.ScenarioChangePubKey:
		ops, err = prep.GenerateChangePubKeys(p.counts[operation.KindChangePubKey], pool)
	case types.ScenarioAll:
		ops, err = prep.GenerateDeposits(p.counts[operation.KindDeposit], funder, recipients)
		if err != nil {
			break
		}
		var transfers []*operation.Operation
		transfers, err = prep.GenerateTransfersToNew(p.counts[operation.KindTransfer], funder, recipients)
		ops = append(ops, transfers...)
	default:
		err = fmt.Errorf("%w: unknown scenario %q", config.ErrInvalidConfig, p.scenario)
	}
	if err != nil {
		return nil, fmt.Errorf("prepare %s operations: %w", p.scenario, err)
	}
	return ops, nil
}
