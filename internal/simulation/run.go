package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/account"
	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/executor"
	"github.com/gateway-fm/rollupsim/internal/funding"
	"github.com/gateway-fm/rollupsim/internal/network"
	"github.com/gateway-fm/rollupsim/internal/operation"
	"github.com/gateway-fm/rollupsim/internal/resolver"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/txbuilder"
	"github.com/gateway-fm/rollupsim/internal/wallet"
	"github.com/gateway-fm/rollupsim/pkg/types"
)

// WithdrawGasAllowance is added to every withdrawing account's L2 balance.
var WithdrawGasAllowance = config.Ether(1, 4)

// run carries the state of one simulation run between phases.
type run struct {
	c   *Coordinator
	cfg *config.Config

	net     *network.Network
	deriver *account.Deriver
	factory *wallet.Factory
	plan    plan
	delay   time.Duration

	funder       *wallet.Wallet
	participants []*wallet.Wallet
	assurer      *funding.Assurer
	fees         operation.Fees
	depositGas   *big.Int
	preparer     *operation.Preparer
	pool         []operation.Sender

	// schedule names the sender of each participant-sent operation.
	schedule []operation.Sender

	ops        []*operation.Operation
	handles    []*executor.Handle
	results    []resolver.Result
	submission time.Duration
	resolution time.Duration
}

func (r *run) configure(ctx context.Context) error {
	cfg := r.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.net = network.DefaultRegistry().Resolve(cfg.ChainID)
	chainID, err := r.c.deps.L1.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("L1 chain id: %w", err)
	}
	if chainID.Int64() != cfg.ChainID {
		return fmt.Errorf("%w: L1 reports chain %s, configured %d", config.ErrInvalidConfig, chainID, cfg.ChainID)
	}

	mnemonic := cfg.Mnemonic
	if mnemonic == "" {
		mnemonic = r.net.DefaultMnemonic
	}
	if mnemonic == "" {
		return fmt.Errorf("%w: MNEMONIC is required on %s", config.ErrInvalidConfig, r.net)
	}
	if r.deriver, err = account.NewDeriver(mnemonic, r.net); err != nil {
		return err
	}

	r.factory, err = wallet.NewFactory(ctx, wallet.Config{
		L1:           r.c.deps.L1,
		Rollup:       r.c.deps.Rollup,
		ChainID:      big.NewInt(cfg.ChainID),
		UseLegacy:    r.net.LegacyTx,
		PollInterval: cfg.PollInterval,
		Logger:       r.c.logger,
	})
	if err != nil {
		return err
	}

	r.plan = newPlan(cfg)
	r.delay = cfg.TxDelay()
	r.c.update(func(st *types.Status) {
		st.Network = r.net.Name
		st.TxCount = r.plan.total()
	})
	r.c.logger.Info("simulation configured",
		slog.String("scenario", string(cfg.Scenario)),
		slog.String("network", r.net.Name),
		slog.Int("tx_count", r.plan.total()),
		slog.Duration("delay", r.delay),
	)
	return nil
}

func (r *run) derive(ctx context.Context) error {
	funderAcc, err := r.deriver.Derive(r.cfg.FunderIndex)
	if err != nil {
		return err
	}
	if r.funder, err = r.factory.Bind(ctx, funderAcc); err != nil {
		return err
	}

	streamCfg := account.StreamConfig{Start: r.cfg.FirstAccountIndex, Logger: r.c.logger}
	if r.cfg.SkipActivated && r.plan.freshParticipants() {
		streamCfg.SkipActivated = &account.CachingChecker{
			ChainID: r.cfg.ChainID,
			Cache:   r.c.deps.Cache,
			Checker: r.factory,
			Logger:  r.c.logger,
		}
	}
	accs, err := account.NewStream(r.deriver, streamCfg).Take(ctx, r.plan.participants)
	if err != nil {
		return err
	}
	for _, acc := range accs {
		if acc.Address == funderAcc.Address {
			return fmt.Errorf("%w: funder index %d is inside the participant range", config.ErrInvalidConfig, r.cfg.FunderIndex)
		}
	}
	if r.participants, err = r.factory.BindAll(ctx, accs); err != nil {
		return err
	}

	r.c.update(func(st *types.Status) {
		st.Funder = r.funder.Address().Hex()
		st.Accounts = len(r.participants)
	})
	r.c.logger.Info("derived accounts",
		slog.String("funder", r.funder.Address().Hex()),
		slog.Int("participants", len(r.participants)),
	)
	return nil
}

func (r *run) fund(ctx context.Context) error {
	r.assurer = funding.New(funding.Config{
		Funder:      r.funder,
		Concurrency: min(r.cfg.Concurrency, 10),
		Recorder:    r.c.metrics,
		Logger:      r.c.logger,
	})

	if r.net.DevFunding {
		faucet := funding.NewDevFaucet(r.c.deps.L1, r.cfg.PollInterval, r.c.logger)
		syphoned, err := faucet.FundIfEmpty(ctx, r.funder.Address())
		switch {
		case errors.Is(err, funding.ErrNoDevAccounts):
			r.c.logger.Warn("funder is empty and the node has no funded dev accounts")
		case err != nil:
			return err
		case syphoned:
			r.c.logger.Info("funded funder from dev node", slog.String("funder", r.funder.Address().Hex()))
		}
	}

	if err := r.quote(ctx); err != nil {
		return err
	}
	if err := r.assurer.CheckFunder(ctx, r.upperBound()); err != nil {
		return err
	}
	if err := r.scheduleSenders(); err != nil {
		return err
	}

	if r.plan.usesL2() {
		if _, err := r.assurer.EnsureActivated(ctx, r.funder); err != nil {
			return fmt.Errorf("activate funder: %w", err)
		}
	}
	if r.plan.activeParticipants() {
		ws := make([]funding.Wallet, len(r.participants))
		for i, w := range r.participants {
			ws[i] = w
		}
		if err := r.assurer.ActivateAll(ctx, ws); err != nil {
			return err
		}
		r.cacheActivated(ctx, r.participants)
	}

	reqs := r.reserve()
	r.c.logger.Info("funding participants",
		slog.Int("funded_accounts", reqs.Len()),
		slog.String("reserved", reqs.Total().String()),
	)
	return r.assurer.FundAll(ctx, reqs)
}

// scheduleSenders fixes which participant sends each transfer or withdrawal.
func (r *run) scheduleSenders() error {
	r.preparer = operation.NewPreparer(operation.PreparerConfig{
		Limits: r.cfg.AmountLimits,
		Fees:   r.fees,
		Rand:   r.c.deps.Rand,
	})
	r.pool = make([]operation.Sender, len(r.participants))
	for i, w := range r.participants {
		r.pool[i] = w
	}

	var n int
	switch r.plan.scenario {
	case types.ScenarioTransfer:
		n = r.plan.counts[operation.KindTransfer]
	case types.ScenarioWithdraw:
		n = r.plan.counts[operation.KindWithdraw]
	default:
		return nil
	}
	var err error
	r.schedule, err = r.preparer.Schedule(n, r.pool)
	return err
}

// reserve returns what each sender may spend in the run: every scheduled
// operation at its maximum amount plus fee, one deposit's gas per L1
// operation and the withdraw gas allowance per withdrawing account.
func (r *run) reserve() *funding.Requirements {
	limits := r.cfg.AmountLimits
	reqs := funding.NewRequirements()
	each := func(bound *big.Int, kind operation.Kind) *big.Int {
		v := new(big.Int).Set(bound)
		if fee := r.fees.Fee(kind); fee != nil {
			v.Add(v, fee)
		}
		return v
	}

	for kind, n := range r.plan.counts {
		if n == 0 {
			continue
		}
		switch kind {
		case operation.KindDeposit:
			reqs.Add(r.funder, operation.L1, new(big.Int).Mul(limits.Deposit.Max, big.NewInt(int64(n))), n)
			reqs.AddPerOp(operation.L1, r.depositGas)
		case operation.KindTransfer:
			if r.plan.toNew {
				per := each(limits.TransferToNew.Max, operation.KindTransfer)
				reqs.Add(r.funder, operation.L2, per.Mul(per, big.NewInt(int64(n))), n)
				continue
			}
			for _, s := range r.schedule {
				reqs.Add(s, operation.L2, each(limits.Transfer.Max, operation.KindTransfer), 1)
			}
		case operation.KindWithdraw:
			for _, s := range r.schedule {
				reqs.Add(s, operation.L2, each(limits.Withdraw.Max, operation.KindWithdraw), 1)
			}
			reqs.AddPerSender(operation.L2, WithdrawGasAllowance)
		case operation.KindChangePubKey:
			for _, s := range r.pool[:min(n, len(r.pool))] {
				reqs.Add(s, operation.L2, each(new(big.Int), operation.KindChangePubKey), 1)
			}
		}
	}
	return reqs
}

func (r *run) quote(ctx context.Context) error {
	r.fees = operation.Fees{}
	for kind, feeKind := range map[operation.Kind]rollup.FeeKind{
		operation.KindTransfer:     rollup.FeeTransfer,
		operation.KindWithdraw:     rollup.FeeWithdraw,
		operation.KindChangePubKey: rollup.FeeChangePubKey,
	} {
		fee, err := r.funder.TransactionFee(ctx, feeKind)
		if err != nil {
			return err
		}
		r.fees[kind] = fee
	}

	gasPrice, err := r.c.deps.L1.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	r.depositGas = new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(txbuilder.DepositGas))
	return nil
}

// upperBound is what the funder may have to spend on the whole run: every
// operation at its maximum amount plus fee, the activation of every account
// that needs one, and one deposit's gas for each L1 operation or top-up.
func (r *run) upperBound() *big.Int {
	limits := r.cfg.AmountLimits
	cpk := r.fees.Fee(operation.KindChangePubKey)
	total := new(big.Int)
	add := func(n int, amounts ...*big.Int) {
		each := new(big.Int)
		for _, a := range amounts {
			if a != nil {
				each.Add(each, a)
			}
		}
		total.Add(total, each.Mul(each, big.NewInt(int64(n))))
	}

	for kind, n := range r.plan.counts {
		switch kind {
		case operation.KindDeposit:
			add(n, limits.Deposit.Max, r.depositGas)
		case operation.KindTransfer:
			max := limits.Transfer.Max
			if r.plan.toNew {
				max = limits.TransferToNew.Max
			}
			add(n, max, r.fees.Fee(operation.KindTransfer))
		case operation.KindWithdraw:
			add(n, limits.Withdraw.Max, r.fees.Fee(operation.KindWithdraw))
		case operation.KindChangePubKey:
			add(n, cpk, r.fees.Fee(operation.KindTransfer))
		}
	}

	// Top-ups: one deposit for the funder and one per participant.
	add(len(r.participants)+1, r.depositGas)
	if r.plan.usesL2() {
		add(1, cpk, cpk)
	}
	if r.plan.activeParticipants() {
		add(len(r.participants), cpk, cpk)
	}
	if r.plan.scenario == types.ScenarioWithdraw {
		add(len(r.participants), WithdrawGasAllowance)
	}
	return total
}

func (r *run) cacheActivated(ctx context.Context, ws []*wallet.Wallet) {
	if r.c.deps.Cache == nil {
		return
	}
	for _, w := range ws {
		if err := r.c.deps.Cache.MarkActivated(ctx, r.cfg.ChainID, w.Address()); err != nil {
			r.c.logger.Warn("activation cache write failed",
				slog.String("account", w.Address().Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *run) prepare(context.Context) error {
	addrs := make([]common.Address, len(r.participants))
	for i, w := range r.participants {
		addrs[i] = w.Address()
	}

	var err error
	r.ops, err = r.plan.build(r.preparer, r.funder, r.pool, addrs, r.schedule)
	if err != nil {
		return err
	}
	reqs := funding.Aggregate(r.ops)
	r.c.logger.Info("prepared operations",
		slog.Int("operations", len(r.ops)),
		slog.Int("senders", reqs.Len()),
		slog.String("required", reqs.Total().String()),
	)
	return nil
}

func (r *run) execute(ctx context.Context) error {
	exec := executor.New(executor.Config{
		Concurrency: r.cfg.Concurrency,
		Recorder:    r.c.metrics,
		Logger:      r.c.logger,
	})
	start := time.Now()
	r.handles = exec.Execute(ctx, r.ops, r.delay)
	r.submission = time.Since(start)
	return nil
}

func (r *run) resolve(ctx context.Context) error {
	if r.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ResolveTimeout)
		defer cancel()
	}
	res := resolver.New(resolver.Config{
		Policy:      resolver.PolicyFromConfig(r.cfg.AwaitFinality),
		Concurrency: r.cfg.Concurrency,
		Recorder:    r.c.metrics,
		Logger:      r.c.logger,
	})
	start := time.Now()
	r.results = res.Resolve(ctx, r.handles)
	r.resolution = time.Since(start)
	r.cacheActivations(context.WithoutCancel(ctx))
	return nil
}

// cacheActivations remembers accounts that registered a signing key in this run.
func (r *run) cacheActivations(ctx context.Context) {
	if r.c.deps.Cache == nil {
		return
	}
	for _, res := range r.results {
		if res.Kind != operation.KindChangePubKey || !res.Success {
			continue
		}
		if err := r.c.deps.Cache.MarkActivated(ctx, r.cfg.ChainID, res.Sender); err != nil {
			r.c.logger.Warn("activation cache write failed",
				slog.String("account", res.Sender.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *run) report() *Report {
	succeeded, failed := resolver.Count(r.results)
	achieved := 0.0
	if secs := r.submission.Seconds(); secs > 0 && len(r.handles) > 1 {
		achieved = float64(len(r.handles)-1) / secs
	}
	return &Report{
		Summary: types.Summary{
			Scenario:       r.cfg.Scenario,
			TxCount:        len(r.results),
			Succeeded:      succeeded,
			Failed:         failed,
			TargetRate:     r.cfg.TransactionsPerSecond,
			AchievedRate:   achieved,
			SubmissionMs:   r.submission.Milliseconds(),
			ResolutionMs:   r.resolution.Milliseconds(),
			Kinds:          r.c.metrics.Kinds(),
			FailureReasons: r.c.metrics.FailureReasons(),
		},
		Results: r.results,
	}
}
