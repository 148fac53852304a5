package coprocessor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/rs/zerolog"

	"confvault/internal/fhe"
	"confvault/internal/storage"
)

var ctPrefix = []byte("ct/")

// record is the persisted form of one ciphertext.
type record struct {
	Value      uint64
	Blinding   [32]byte
	ACL        []common.Address
	Revealable bool
}

func (r *record) allows(principal common.Address) bool {
	for _, a := range r.ACL {
		if a == principal {
			return true
		}
	}
	return false
}

// Observer receives proof timings. metrics.Collector implements it.
type Observer interface {
	RecordProofGeneration(d time.Duration)
	RecordProofVerification(d time.Duration, valid bool)
}

type noopObserver struct{}

func (noopObserver) RecordProofGeneration(time.Duration)         {}
func (noopObserver) RecordProofVerification(time.Duration, bool) {}

// Option configures a Coprocessor.
type Option func(*Coprocessor)

// WithLogger sets the coprocessor logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Coprocessor) { c.log = l } }

// WithObserver sets the proof timing observer.
func WithObserver(o Observer) Option {
	return func(c *Coprocessor) {
		if o != nil {
			c.obs = o
		}
	}
}

// SetGnarkLogger routes gnark's compile/setup/prove logging through l.
func SetGnarkLogger(l zerolog.Logger) {
	gnarklogger.Set(l.With().Str("component", "gnark").Logger())
}

// Coprocessor holds ciphertext records and answers engine calls.
type Coprocessor struct {
	mu   sync.Mutex
	db   storage.Database
	keys *Keys
	log  zerolog.Logger
	obs  Observer
}

// New creates a coprocessor persisting ciphertexts in db and proving with keys.
func New(db storage.Database, keys *Keys, opts ...Option) *Coprocessor {
	c := &Coprocessor{
		db:   db,
		keys: keys,
		log:  zerolog.Nop(),
		obs:  noopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func ctKey(h fhe.Handle) []byte {
	return append(append([]byte{}, ctPrefix...), h[:]...)
}

func (c *Coprocessor) load(h fhe.Handle) (*record, error) {
	raw, err := c.db.Get(ctKey(h))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", fhe.ErrUnknownHandle, h)
	}
	if err != nil {
		return nil, fmt.Errorf("coprocessor: load %s: %w", h, err)
	}
	var rec record
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("coprocessor: decode %s: %w", h, err)
	}
	return &rec, nil
}

func (c *Coprocessor) store(h fhe.Handle, rec *record) error {
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return c.db.Put(ctKey(h), raw)
}

// create stores a new ciphertext of value, allowed to owner. Caller holds c.mu.
func (c *Coprocessor) create(value uint64, owner common.Address) (fhe.Handle, error) {
	for attempt := 0; attempt < 4; attempt++ {
		blinding, err := randomBlinding()
		if err != nil {
			return fhe.NullHandle, err
		}
		h := commit(value, &blinding)
		exists, err := c.db.Has(ctKey(h))
		if err != nil {
			return fhe.NullHandle, err
		}
		if exists {
			continue
		}
		rec := &record{Value: value, Blinding: blinding.Bytes(), ACL: []common.Address{owner}}
		if err := c.store(h, rec); err != nil {
			return fhe.NullHandle, err
		}
		return h, nil
	}
	return fhe.NullHandle, errors.New("coprocessor: could not derive a fresh handle")
}

// Session returns an engine bound to principal.
func (c *Coprocessor) Session(principal common.Address) *Session {
	return &Session{c: c, principal: principal}
}

// PublicReveal opens every handle and proves each opening. All handles must
// have been marked publicly revealable. A handle listed more than once is
// proven once and its reveal repeated.
func (c *Coprocessor) PublicReveal(ctx context.Context, handles []fhe.Handle) ([]fhe.Reveal, error) {
	out := make([]fhe.Reveal, 0, len(handles))
	seen := make(map[fhe.Handle]int, len(handles))
	for _, h := range handles {
		if i, ok := seen[h]; ok {
			out = append(out, out[i])
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		rec, err := c.load(h)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if !rec.Revealable {
			return nil, fmt.Errorf("%w: %s", fhe.ErrNotRevealable, h)
		}
		proof, err := c.prove(h, rec)
		if err != nil {
			return nil, err
		}
		seen[h] = len(out)
		out = append(out, fhe.Reveal{Handle: h, Cleartext: rec.Value, Proof: proof})
	}
	return out, nil
}

func (c *Coprocessor) prove(h fhe.Handle, rec *record) ([]byte, error) {
	start := time.Now()
	scalar, _ := handleScalar(h)
	var blinding fr.Element
	blinding.SetBytes(rec.Blinding[:])
	assignment := &RevealCircuit{
		Handle:    scalar,
		Cleartext: rec.Value,
		Blinding:  blinding.BigInt(new(big.Int)),
	}
	w, err := frontend.NewWitness(assignment, curve.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("coprocessor: reveal witness: %w", err)
	}
	proof, err := groth16.Prove(c.keys.CCS, c.keys.PK, w)
	if err != nil {
		return nil, fmt.Errorf("coprocessor: reveal proof: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("coprocessor: proof marshaling: %w", err)
	}
	elapsed := time.Since(start)
	c.obs.RecordProofGeneration(elapsed)
	c.log.Debug().Str("handle", h.String()).Dur("elapsed", elapsed).Msg("reveal proof generated")
	return buf.Bytes(), nil
}

// VerifyRevealProof checks that proof attests h opens to cleartext. Malformed
// proofs and non-canonical handles verify as false.
func (c *Coprocessor) VerifyRevealProof(ctx context.Context, h fhe.Handle, cleartext uint64, proofBytes []byte) (ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Interface("panic", r).Str("handle", h.String()).Msg("reveal proof decoding panicked")
			ok, err = false, nil
		}
		c.obs.RecordProofVerification(time.Since(start), ok)
	}()

	scalar, canonical := handleScalar(h)
	if !canonical {
		return false, nil
	}
	proof := groth16.NewProof(curve)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return false, nil
	}
	publicWitness := &RevealCircuit{
		Handle:    scalar,
		Cleartext: cleartext,
	}
	w, err := frontend.NewWitness(publicWitness, curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("coprocessor: public witness: %w", err)
	}
	if err := groth16.Verify(proof, c.keys.VK, w); err != nil {
		return false, nil
	}
	return true, nil
}

// UserDecrypt returns the cleartext of h to a principal on its ACL.
func (c *Coprocessor) UserDecrypt(h fhe.Handle, principal common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.load(h)
	if err != nil {
		return 0, err
	}
	if !rec.allows(principal) {
		return 0, fmt.Errorf("%w: %s for %s", fhe.ErrAccessDenied, h, principal.Hex())
	}
	return rec.Value, nil
}

// IsAllowed reports whether principal is on h's ACL.
func (c *Coprocessor) IsAllowed(h fhe.Handle, principal common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.load(h)
	if err != nil {
		return false, err
	}
	return rec.allows(principal), nil
}

// IsRevealable reports whether h has been marked publicly revealable.
func (c *Coprocessor) IsRevealable(h fhe.Handle) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.load(h)
	if err != nil {
		return false, err
	}
	return rec.Revealable, nil
}

// Session is the engine as seen by one calling principal.
type Session struct {
	c         *Coprocessor
	principal common.Address
}

var _ fhe.Engine = (*Session)(nil)

// Principal returns the address the session acts for.
func (s *Session) Principal() common.Address { return s.principal }

func (s *Session) Encrypt(ctx context.Context, value uint64) (fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return fhe.NullHandle, err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.create(value, s.principal)
}

func (s *Session) Add(ctx context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	if err := ctx.Err(); err != nil {
		return fhe.NullHandle, err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	ra, err := s.c.load(a)
	if err != nil {
		return fhe.NullHandle, err
	}
	rb, err := s.c.load(b)
	if err != nil {
		return fhe.NullHandle, err
	}
	if !ra.allows(s.principal) || !rb.allows(s.principal) {
		return fhe.NullHandle, fmt.Errorf("%w: add by %s", fhe.ErrAccessDenied, s.principal.Hex())
	}
	return s.c.create(ra.Value+rb.Value, s.principal)
}

func (s *Session) GrantAccess(ctx context.Context, h fhe.Handle, principal common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	rec, err := s.c.load(h)
	if err != nil {
		return err
	}
	if !rec.allows(s.principal) {
		return fmt.Errorf("%w: grant on %s by %s", fhe.ErrAccessDenied, h, s.principal.Hex())
	}
	if rec.allows(principal) {
		return nil
	}
	rec.ACL = append(rec.ACL, principal)
	return s.c.store(h, rec)
}

func (s *Session) MarkPubliclyRevealable(ctx context.Context, h fhe.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	rec, err := s.c.load(h)
	if err != nil {
		return err
	}
	if !rec.allows(s.principal) {
		return fmt.Errorf("%w: reveal mark on %s by %s", fhe.ErrAccessDenied, h, s.principal.Hex())
	}
	if rec.Revealable {
		return nil
	}
	rec.Revealable = true
	return s.c.store(h, rec)
}

func (s *Session) VerifyRevealProof(ctx context.Context, h fhe.Handle, cleartext uint64, proof []byte) (bool, error) {
	return s.c.VerifyRevealProof(ctx, h, cleartext, proof)
}
