package vault

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"confvault/internal/fhe"
)

// fakeEngine keeps cleartexts in memory behind sequential handles. A reveal
// proof is the handle followed by the big-endian cleartext.
type fakeEngine struct {
	mu         sync.Mutex
	next       uint64
	values     map[fhe.Handle]uint64
	acl        map[fhe.Handle]map[common.Address]bool
	revealable map[fhe.Handle]bool

	encryptErr error
	verifyErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		values:     make(map[fhe.Handle]uint64),
		acl:        make(map[fhe.Handle]map[common.Address]bool),
		revealable: make(map[fhe.Handle]bool),
	}
}

func (e *fakeEngine) newHandle(v uint64) fhe.Handle {
	e.next++
	var h fhe.Handle
	binary.BigEndian.PutUint64(h[24:], e.next)
	h[0] = 0xfe
	e.values[h] = v
	return h
}

func (e *fakeEngine) Encrypt(_ context.Context, v uint64) (fhe.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encryptErr != nil {
		return fhe.NullHandle, e.encryptErr
	}
	return e.newHandle(v), nil
}

func (e *fakeEngine) Add(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	va, okA := e.values[a]
	vb, okB := e.values[b]
	if !okA || !okB {
		return fhe.NullHandle, fhe.ErrUnknownHandle
	}
	return e.newHandle(va + vb), nil
}

func (e *fakeEngine) GrantAccess(_ context.Context, h fhe.Handle, p common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.values[h]; !ok {
		return fhe.ErrUnknownHandle
	}
	if e.acl[h] == nil {
		e.acl[h] = make(map[common.Address]bool)
	}
	e.acl[h][p] = true
	return nil
}

func (e *fakeEngine) MarkPubliclyRevealable(_ context.Context, h fhe.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.values[h]; !ok {
		return fhe.ErrUnknownHandle
	}
	e.revealable[h] = true
	return nil
}

func (e *fakeEngine) VerifyRevealProof(_ context.Context, h fhe.Handle, v uint64, proof []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.verifyErr != nil {
		return false, e.verifyErr
	}
	return bytes.Equal(proof, fakeProof(h, v)), nil
}

// reveal returns the cleartext and proof of a revealable handle.
func (e *fakeEngine) reveal(h fhe.Handle) (uint64, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.revealable[h] {
		return 0, nil, fhe.ErrNotRevealable
	}
	v := e.values[h]
	return v, fakeProof(h, v), nil
}

func (e *fakeEngine) valueOf(h fhe.Handle) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[h]
}

func (e *fakeEngine) isRevealable(h fhe.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revealable[h]
}

func (e *fakeEngine) allowed(h fhe.Handle, p common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acl[h][p]
}

func fakeProof(h fhe.Handle, v uint64) []byte {
	out := append([]byte{}, h.Bytes()...)
	return binary.BigEndian.AppendUint64(out, v)
}

// payments records payouts and can be told to fail.
type payments struct {
	mu    sync.Mutex
	paid  map[common.Address]uint64
	calls int
	fail  error
	hook  func(ctx context.Context)
}

func (p *payments) Pay(ctx context.Context, to common.Address, amount uint64) error {
	if p.hook != nil {
		p.hook(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return p.fail
	}
	if p.paid == nil {
		p.paid = make(map[common.Address]uint64)
	}
	p.paid[to] += amount
	return nil
}

func (p *payments) total(to common.Address) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paid[to]
}

var errPayoutDown = errors.New("payout rail unavailable")
