package pipeline

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/rollupsim/internal/rpc/rpctest"
	"github.com/gateway-fm/rollupsim/internal/txbuilder"
)

func TestPipelineExecute(t *testing.T) {
	tests := []struct {
		name      string
		useLegacy bool
		wantType  uint8
	}{
		{name: "legacy", useLegacy: true, wantType: types.LegacyTxType},
		{name: "dynamic fee", useLegacy: false, wantType: types.DynamicFeeTxType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := crypto.GenerateKey()
			if err != nil {
				t.Fatal(err)
			}
			from := crypto.PubkeyToAddress(key.PublicKey)

			chain := rpctest.NewChain(33, 1)
			chain.SetBalance(from, big.NewInt(1_000_000))

			p := New(Config{Client: chain, ChainID: big.NewInt(33), UseLegacy: tt.useLegacy})
			to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
			res, err := p.Execute(context.Background(), key, 0, big.NewInt(1), txbuilder.NewValueTransferBuilder(to, big.NewInt(500)))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			sent := chain.Sent()
			if len(sent) != 1 {
				t.Fatalf("sent %d transactions, want 1", len(sent))
			}
			tx := sent[0]
			if tx.Hash() != res.TxHash {
				t.Errorf("result hash = %s, want %s", res.TxHash, tx.Hash())
			}
			if tx.Type() != tt.wantType {
				t.Errorf("tx type = %d, want %d", tx.Type(), tt.wantType)
			}
			if tx.Value().Int64() != 500 {
				t.Errorf("value = %s, want 500", tx.Value())
			}
			if got := chain.Balance(to); got.Int64() != 500 {
				t.Errorf("recipient balance = %s, want 500", got)
			}
		})
	}
}

func TestPipelineSendFailure(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chain := rpctest.NewChain(33, 1)
	chain.SendErr = errors.New("node unavailable")

	p := New(Config{Client: chain, ChainID: big.NewInt(33), UseLegacy: true})
	res, err := p.Execute(context.Background(), key, 7, big.NewInt(1), txbuilder.NewValueTransferBuilder(common.Address{1}, big.NewInt(1)))
	if !errors.Is(err, chain.SendErr) {
		t.Fatalf("Execute() error = %v, want %v", err, chain.SendErr)
	}
	if res.Nonce != 7 {
		t.Errorf("result nonce = %d, want 7", res.Nonce)
	}
	if res.TxHash == (common.Hash{}) {
		t.Error("expected the signed hash on send failure")
	}
}

func TestPipelineBuildFailure(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chain := rpctest.NewChain(33, 1)

	p := New(Config{Client: chain, ChainID: new(big.Int), UseLegacy: true})
	_, err = p.Execute(context.Background(), key, 0, big.NewInt(1), txbuilder.NewValueTransferBuilder(common.Address{1}, big.NewInt(1)))
	if !errors.Is(err, txbuilder.ErrMissingChainID) {
		t.Fatalf("Execute() error = %v, want ErrMissingChainID", err)
	}
	if len(chain.Sent()) != 0 {
		t.Error("nothing should be sent when building fails")
	}
}

func TestPipelineChainIDCopy(t *testing.T) {
	p := New(Config{Client: rpctest.NewChain(31, 1), ChainID: big.NewInt(31)})
	id := p.ChainID()
	id.SetInt64(99)
	if p.ChainID().Int64() != 31 {
		t.Error("ChainID() must return a copy")
	}
}
