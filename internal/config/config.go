// Package config handles configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/params"

	"github.com/gateway-fm/rollupsim/pkg/types"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Scenario selects which simulation is run.
type Scenario = types.Scenario

const (
	ScenarioDeposit       = types.ScenarioDeposit
	ScenarioTransfer      = types.ScenarioTransfer
	ScenarioTransferToNew = types.ScenarioTransferToNew
	ScenarioWithdraw      = types.ScenarioWithdraw
	ScenarioChangePubKey  = types.ScenarioChangePubKey
	ScenarioAll           = types.ScenarioAll
)

// Range is an amount bound in wei: [Min, Max).
type Range struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// UnmarshalJSON accepts [min, max] with decimal string or number elements.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("amount range must be a [min, max] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("amount range must have exactly 2 elements, got %d", len(pair))
	}
	lo, ok := new(big.Int).SetString(pair[0].String(), 10)
	if !ok {
		return fmt.Errorf("invalid range min %q", pair[0])
	}
	hi, ok := new(big.Int).SetString(pair[1].String(), 10)
	if !ok {
		return fmt.Errorf("invalid range max %q", pair[1])
	}
	r.Min, r.Max = lo, hi
	return nil
}

// MarshalJSON writes the range as a [min, max] pair of decimal strings.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{r.Min.String(), r.Max.String()})
}

// AmountLimits holds the amount range for each operation family.
type AmountLimits struct {
	Deposit       Range `json:"deposit"`
	Transfer      Range `json:"transfer"`
	TransferToNew Range `json:"transferToNew"`
	Withdraw      Range `json:"withdraw"`
}

// FinalityPolicy says whether the verification receipt is awaited per operation kind.
type FinalityPolicy struct {
	Deposit      bool `json:"deposit"`
	Transfer     bool `json:"transfer"`
	Withdraw     bool `json:"withdraw"`
	ChangePubKey bool `json:"changePubKey"`
}

// Config holds simulator configuration.
type Config struct {
	RollupURL               string         `json:"rollupUrl"`
	L1URL                   string         `json:"l1Url"`
	L1Retries               int            `json:"l1Retries"`
	ChainID                 int64          `json:"chainId"`
	TransactionsPerSecond   float64        `json:"transactionsPerSecond"`
	TotalRunningTimeSeconds float64        `json:"totalRunningTimeSeconds"`
	NumberOfAccounts        int            `json:"numberOfAccounts"`
	AmountLimits            AmountLimits   `json:"weiLimits"`
	Mnemonic                string         `json:"-"`
	FunderIndex             uint32         `json:"funderIndex"`
	FirstAccountIndex       uint32         `json:"firstAccountIndex"`
	Scenario                Scenario       `json:"scenario"`
	AwaitFinality           FinalityPolicy `json:"awaitFinality"`
	SkipActivated           bool           `json:"skipActivated"`
	ResolveTimeout          time.Duration  `json:"resolveTimeout"`
	PollInterval            time.Duration  `json:"pollInterval"`
	Concurrency             int            `json:"concurrency"`
	DatabasePath            string         `json:"databasePath"`
	ResetCache              bool           `json:"resetCache"`
	ListenAddr              string         `json:"listenAddr"`
	LogLevel                string         `json:"logLevel"`
}

// Defaults
const (
	DefaultRollupURL               = "http://localhost:3029"
	DefaultL1URL                   = "http://localhost:4444"
	DefaultL1Retries               = 0
	DefaultChainID                 = 33
	DefaultTransactionsPerSecond   = 1.0
	DefaultTotalRunningTimeSeconds = 10.0
	DefaultNumberOfAccounts        = 10
	DefaultFirstAccountIndex       = 1
	DefaultPollInterval            = time.Second
	DefaultConcurrency             = 100
	DefaultDatabasePath            = "./data/rollupsim.db"
	DefaultListenAddr              = ":3002"
	DefaultLogLevel                = "info"

	// MaxDerivationIndex is the first hardened index; account indices must stay below it.
	MaxDerivationIndex = 1 << 31
)

// Ether returns n * 10^-decimals ether in wei, e.g. Ether(1, 4) is 0.0001 ether.
func Ether(n int64, decimals int) *big.Int {
	v := new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
	return v.Div(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

// DefaultAmountLimits returns the amount ranges used when none are configured.
func DefaultAmountLimits() AmountLimits {
	return AmountLimits{
		Deposit:       Range{Min: Ether(1, 4), Max: Ether(1, 3)},
		Transfer:      Range{Min: Ether(1, 5), Max: Ether(1, 4)},
		TransferToNew: Range{Min: Ether(1, 5), Max: Ether(1, 4)},
		Withdraw:      Range{Min: Ether(1, 5), Max: Ether(1, 4)},
	}
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		RollupURL:               DefaultRollupURL,
		L1URL:                   DefaultL1URL,
		L1Retries:               DefaultL1Retries,
		ChainID:                 DefaultChainID,
		TransactionsPerSecond:   DefaultTransactionsPerSecond,
		TotalRunningTimeSeconds: DefaultTotalRunningTimeSeconds,
		NumberOfAccounts:        DefaultNumberOfAccounts,
		AmountLimits:            DefaultAmountLimits(),
		FirstAccountIndex:       DefaultFirstAccountIndex,
		Scenario:                ScenarioDeposit,
		AwaitFinality: FinalityPolicy{
			Deposit:  true,
			Transfer: true,
		},
		PollInterval: DefaultPollInterval,
		Concurrency:  DefaultConcurrency,
		DatabasePath: DefaultDatabasePath,
		ListenAddr:   DefaultListenAddr,
		LogLevel:     DefaultLogLevel,
	}
}

// Load reads configuration from an optional JSON file, environment variables
// and command-line flags, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("rollupsim", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to a JSON config file")

	cfg := Default()

	// The config file path has to be known before the other flags get their defaults.
	if path := findFlag(args, "config"); path != "" {
		*configPath = path
	}
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	var (
		rollupURL   = fs.String("rollup", cfg.RollupURL, "Rollup REST API URL")
		l1URL       = fs.String("l1", cfg.L1URL, "L1 JSON-RPC URL")
		l1Retries   = fs.Int("l1-retries", cfg.L1Retries, "Retries for L1 calls answered with 429, 502, 503 or 504")
		chainID     = fs.Int64("chainid", cfg.ChainID, "L1 chain ID (30 mainnet, 31 testnet, 33 regtest)")
		tps         = fs.Float64("tps", cfg.TransactionsPerSecond, "Target transactions per second")
		duration    = fs.Float64("duration", cfg.TotalRunningTimeSeconds, "Total running time in seconds")
		accounts    = fs.Int("accounts", cfg.NumberOfAccounts, "Number of participant accounts")
		scenario    = fs.String("scenario", string(cfg.Scenario), "Scenario: deposit, transfer, transfer-to-new, withdraw, change-pubkey, all")
		finality    = fs.Bool("finality", true, "Await verification receipts where the per-kind policy asks for it")
		skip        = fs.Bool("skip-activated", cfg.SkipActivated, "Skip derived accounts that already have a signing key")
		timeout     = fs.Duration("resolve-timeout", cfg.ResolveTimeout, "Deadline for resolving receipts (0 = none)")
		poll        = fs.Duration("poll-interval", cfg.PollInterval, "Receipt polling interval")
		concurrency = fs.Int("concurrency", cfg.Concurrency, "Maximum in-flight submissions")
		dbPath      = fs.String("database", cfg.DatabasePath, "SQLite account cache path (empty disables)")
		resetCache  = fs.Bool("reset-cache", cfg.ResetCache, "Drop cached activations for the chain before the run")
		listenAddr  = fs.String("listen", cfg.ListenAddr, "HTTP status listen address (empty disables)")
		logLevel    = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.RollupURL = *rollupURL
	cfg.L1URL = *l1URL
	cfg.L1Retries = *l1Retries
	cfg.ChainID = *chainID
	cfg.TransactionsPerSecond = *tps
	cfg.TotalRunningTimeSeconds = *duration
	cfg.NumberOfAccounts = *accounts
	cfg.Scenario = Scenario(*scenario)
	cfg.SkipActivated = *skip
	cfg.ResolveTimeout = *timeout
	cfg.PollInterval = *poll
	cfg.Concurrency = *concurrency
	cfg.DatabasePath = *dbPath
	cfg.ResetCache = *resetCache
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	if !*finality {
		cfg.AwaitFinality = FinalityPolicy{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a JSON config file into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ROLLUP_URL"); v != "" {
		c.RollupURL = v
	}
	if v := os.Getenv("L1_URL"); v != "" {
		c.L1URL = v
	}
	if v := os.Getenv("MNEMONIC"); v != "" {
		c.Mnemonic = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("RESET_CACHE"); v != "" {
		reset, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RESET_CACHE: %v", ErrInvalidConfig, err)
		}
		c.ResetCache = reset
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("L1_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: L1_RETRIES: %v", ErrInvalidConfig, err)
		}
		c.L1Retries = n
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: CHAIN_ID: %v", ErrInvalidConfig, err)
		}
		c.ChainID = id
	}
	if v := os.Getenv("TRANSACTIONS_PER_SECOND"); v != "" {
		tps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: TRANSACTIONS_PER_SECOND: %v", ErrInvalidConfig, err)
		}
		c.TransactionsPerSecond = tps
	}
	if v := os.Getenv("TOTAL_RUNNING_TIME_SECONDS"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: TOTAL_RUNNING_TIME_SECONDS: %v", ErrInvalidConfig, err)
		}
		c.TotalRunningTimeSeconds = secs
	}
	if v := os.Getenv("NUMBER_OF_ACCOUNTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: NUMBER_OF_ACCOUNTS: %v", ErrInvalidConfig, err)
		}
		c.NumberOfAccounts = n
	}
	return nil
}

// Validate validates the configuration. It performs no network calls.
func (c *Config) Validate() error {
	if c.RollupURL == "" {
		return fmt.Errorf("%w: rollup URL is required", ErrInvalidConfig)
	}
	if c.L1URL == "" {
		return fmt.Errorf("%w: L1 URL is required", ErrInvalidConfig)
	}
	if c.L1Retries < 0 {
		return fmt.Errorf("%w: L1 retries must not be negative", ErrInvalidConfig)
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("%w: chain ID must be positive", ErrInvalidConfig)
	}
	if c.TransactionsPerSecond <= 0 || math.IsNaN(c.TransactionsPerSecond) || math.IsInf(c.TransactionsPerSecond, 0) {
		return fmt.Errorf("%w: transactions per second must be positive, got %v", ErrInvalidConfig, c.TransactionsPerSecond)
	}
	if c.TotalRunningTimeSeconds <= 0 || math.IsNaN(c.TotalRunningTimeSeconds) || math.IsInf(c.TotalRunningTimeSeconds, 0) {
		return fmt.Errorf("%w: total running time must be positive, got %v", ErrInvalidConfig, c.TotalRunningTimeSeconds)
	}
	if c.NumberOfAccounts <= 0 {
		return fmt.Errorf("%w: number of accounts must be positive, got %d", ErrInvalidConfig, c.NumberOfAccounts)
	}
	if c.FunderIndex >= MaxDerivationIndex {
		return fmt.Errorf("%w: funder index %d is not below 2^31", ErrInvalidConfig, c.FunderIndex)
	}
	if uint64(c.FirstAccountIndex)+uint64(c.NumberOfAccounts) > MaxDerivationIndex {
		return fmt.Errorf("%w: account indices from %d exceed 2^31", ErrInvalidConfig, c.FirstAccountIndex)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if !c.Scenario.Valid() {
		return fmt.Errorf("%w: unknown scenario %q", ErrInvalidConfig, c.Scenario)
	}
	if c.Scenario == ScenarioTransfer && c.NumberOfAccounts < 2 {
		return fmt.Errorf("%w: transfer scenario needs at least 2 accounts, got %d", ErrInvalidConfig, c.NumberOfAccounts)
	}
	for name, r := range map[string]Range{
		"deposit":       c.AmountLimits.Deposit,
		"transfer":      c.AmountLimits.Transfer,
		"transferToNew": c.AmountLimits.TransferToNew,
		"withdraw":      c.AmountLimits.Withdraw,
	} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %s limits: %v", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

// Validate checks 0 <= Min <= Max.
func (r Range) Validate() error {
	if r.Min == nil || r.Max == nil {
		return errors.New("min and max are required")
	}
	if r.Min.Sign() < 0 {
		return fmt.Errorf("min %s is negative", r.Min)
	}
	if r.Min.Cmp(r.Max) > 0 {
		return fmt.Errorf("min %s exceeds max %s", r.Min, r.Max)
	}
	return nil
}

// TxCount is floor(rate * duration).
func (c *Config) TxCount() int {
	return int(math.Floor(c.TransactionsPerSecond * c.TotalRunningTimeSeconds))
}

// TxDelay is the pause between consecutive submissions for the target rate.
func (c *Config) TxDelay() time.Duration {
	return time.Duration(float64(time.Second) / c.TransactionsPerSecond)
}

// WithDuration returns a copy of c with a different running time.
func (c *Config) WithDuration(seconds float64) *Config {
	cp := *c
	cp.TotalRunningTimeSeconds = seconds
	return &cp
}

// findFlag returns the value of -name or --name in args without parsing the rest.
func findFlag(args []string, name string) string {
	for i, a := range args {
		for _, prefix := range []string{"-" + name, "--" + name} {
			if a == prefix && i+1 < len(args) {
				return args[i+1]
			}
			if len(a) > len(prefix)+1 && a[:len(prefix)+1] == prefix+"=" {
				return a[len(prefix)+1:]
			}
		}
	}
	return ""
}
