package account

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/rollupsim/internal/network"
)

const testMnemonic = "test test test test test test test test test test test junk"

func newTestDeriver(t *testing.T, net *network.Network) *Deriver {
	t.Helper()
	d, err := NewDeriver(testMnemonic, net)
	if err != nil {
		t.Fatalf("NewDeriver: %v", err)
	}
	return d
}

func TestDeriveKnownVector(t *testing.T) {
	// m/44'/60'/0'/0/0 of the "test ... junk" mnemonic is the well-known dev account.
	d := newTestDeriver(t, network.DefaultRegistry().Resolve(1337))

	acc, err := d.Derive(0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if acc.Address != want {
		t.Errorf("Address = %s, want %s", acc.Address.Hex(), want.Hex())
	}
	if acc.Index != 0 {
		t.Errorf("Index = %d, want 0", acc.Index)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	d1 := newTestDeriver(t, network.Regtest())
	d2 := newTestDeriver(t, network.Regtest())

	for _, idx := range []uint32{0, 1, 7, 1000, HardenedBit - 1} {
		a, err := d1.Derive(idx)
		if err != nil {
			t.Fatalf("Derive(%d): %v", idx, err)
		}
		b, err := d1.Derive(idx)
		if err != nil {
			t.Fatalf("Derive(%d) again: %v", idx, err)
		}
		c, err := d2.Derive(idx)
		if err != nil {
			t.Fatalf("Derive(%d) second deriver: %v", idx, err)
		}
		if a.Address != b.Address || a.Address != c.Address {
			t.Errorf("index %d: addresses differ: %s %s %s", idx, a.Address.Hex(), b.Address.Hex(), c.Address.Hex())
		}
	}
}

func TestDeriveCoinTypeChangesAddress(t *testing.T) {
	reg := newTestDeriver(t, network.Regtest())
	main := newTestDeriver(t, network.Mainnet())

	a, _ := reg.Derive(3)
	b, _ := main.Derive(3)
	if a.Address == b.Address {
		t.Error("different coin types should derive different addresses")
	}
}

func TestDeriveInvalidIndex(t *testing.T) {
	d := newTestDeriver(t, network.Regtest())

	for _, idx := range []uint32{HardenedBit, HardenedBit + 1, ^uint32(0)} {
		_, err := d.Derive(idx)
		if !errors.Is(err, ErrInvalidDerivationIndex) {
			t.Errorf("Derive(%d) error = %v, want ErrInvalidDerivationIndex", idx, err)
		}
	}
}

func TestNewDeriverMnemonic(t *testing.T) {
	if _, err := NewDeriver("not a valid mnemonic", network.Regtest()); err == nil {
		t.Error("expected invalid mnemonic error")
	}
	if _, err := NewDeriver("", network.Mainnet()); err == nil {
		t.Error("mainnet has no default mnemonic; expected error")
	}
	if _, err := NewDeriver("", network.Regtest()); err != nil {
		t.Errorf("regtest should fall back to the dev mnemonic: %v", err)
	}
	if _, err := NewDeriver(testMnemonic, nil); err == nil {
		t.Error("expected error for nil network")
	}
}

type fakeChecker struct {
	active map[common.Address]bool
	errAt  map[common.Address]error
	calls  int
}

func (f *fakeChecker) IsSigningKeySet(_ context.Context, addr common.Address) (bool, error) {
	f.calls++
	if err := f.errAt[addr]; err != nil {
		return false, err
	}
	return f.active[addr], nil
}

var _ ActivationChecker = (*fakeChecker)(nil)

func TestStreamSequential(t *testing.T) {
	d := newTestDeriver(t, network.Regtest())
	s := NewStream(d, StreamConfig{Start: 5})

	accs, err := s.Take(context.Background(), 10)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(accs) != 10 {
		t.Fatalf("len = %d, want 10", len(accs))
	}
	for i, a := range accs {
		if a.Index != uint32(5+i) {
			t.Errorf("accs[%d].Index = %d, want %d", i, a.Index, 5+i)
		}
	}
	if s.Index() != 15 {
		t.Errorf("Index() = %d, want 15", s.Index())
	}

	// Restart by reconstruction.
	again := NewStream(d, StreamConfig{Start: 5})
	first, _ := again.Next(context.Background())
	if first.Address != accs[0].Address {
		t.Error("restarted stream should reproduce the sequence")
	}
}

func TestStreamSkipsActivated(t *testing.T) {
	d := newTestDeriver(t, network.Regtest())
	a1, _ := d.Derive(1)
	a2, _ := d.Derive(2)

	checker := &fakeChecker{active: map[common.Address]bool{a1.Address: true, a2.Address: true}}
	s := NewStream(d, StreamConfig{Start: 0, SkipActivated: checker})

	accs, err := s.Take(context.Background(), 3)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	got := []uint32{accs[0].Index, accs[1].Index, accs[2].Index}
	want := []uint32{0, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("indices = %v, want %v", got, want)
		}
	}
}

func TestStreamFilterErrorDoesNotAdvance(t *testing.T) {
	d := newTestDeriver(t, network.Regtest())
	a0, _ := d.Derive(0)

	boom := errors.New("provider down")
	checker := &fakeChecker{errAt: map[common.Address]error{a0.Address: boom}}
	s := NewStream(d, StreamConfig{SkipActivated: checker})

	if _, err := s.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Next error = %v, want %v", err, boom)
	}
	if s.Index() != 0 {
		t.Errorf("Index() = %d after failure, want 0", s.Index())
	}
	if checker.calls != 1 {
		t.Errorf("checker called %d times, want 1 (no automatic retry)", checker.calls)
	}

	delete(checker.errAt, a0.Address)
	acc, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if acc.Index != 0 {
		t.Errorf("retry returned index %d, want 0", acc.Index)
	}
}

func TestStreamExhaustion(t *testing.T) {
	d := newTestDeriver(t, network.Regtest())
	s := NewStream(d, StreamConfig{Start: HardenedBit - 1})

	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("last valid index: %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrInvalidDerivationIndex) {
		t.Errorf("expected ErrInvalidDerivationIndex, got %v", err)
	}
}

type memCache struct {
	known  map[common.Address]bool
	marked int
}

func (m *memCache) IsActivated(_ context.Context, _ int64, addr common.Address) (bool, error) {
	return m.known[addr], nil
}

func (m *memCache) MarkActivated(_ context.Context, _ int64, addr common.Address) error {
	m.known[addr] = true
	m.marked++
	return nil
}

func TestCachingChecker(t *testing.T) {
	addr := common.HexToAddress("0x01")
	inner := &fakeChecker{active: map[common.Address]bool{addr: true}}
	cache := &memCache{known: map[common.Address]bool{}}
	c := &CachingChecker{ChainID: 33, Cache: cache, Checker: inner}

	for range 3 {
		ok, err := c.IsSigningKeySet(context.Background(), addr)
		if err != nil || !ok {
			t.Fatalf("IsSigningKeySet = %v, %v", ok, err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("network consulted %d times, want 1", inner.calls)
	}
	if cache.marked != 1 {
		t.Errorf("cache marked %d times, want 1", cache.marked)
	}

	other := common.HexToAddress("0x02")
	ok, _ := c.IsSigningKeySet(context.Background(), other)
	if ok {
		t.Error("inactive address reported active")
	}
	if cache.known[other] {
		t.Error("inactive addresses must not be cached")
	}
}
