package api

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"confvault/internal/storage"
)

// Signed actions.
const (
	ActionStake            = "stake"
	ActionRequestWithdraw  = "request_withdraw"
	ActionFinalizeWithdraw = "finalize_withdraw"
)

var (
	ErrBadSignature = errors.New("api: signature does not match address")
	ErrStaleNonce   = errors.New("api: nonce not greater than last used")
)

var noncePrefix = []byte("api/nonce/")

// Auth is the signature envelope carried by every mutating request.
type Auth struct {
	Address   common.Address `json:"address"`
	Nonce     uint64         `json:"nonce"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Digest is the keccak256 hash a client signs for action.
func Digest(action string, addr common.Address, nonce uint64, fields ...string) []byte {
	var b strings.Builder
	b.WriteString("confvault|")
	b.WriteString(action)
	b.WriteString("|")
	b.WriteString(strings.ToLower(addr.Hex()))
	for _, f := range fields {
		b.WriteString("|")
		b.WriteString(f)
	}
	b.WriteString("|")
	b.WriteString(strconv.FormatUint(nonce, 10))
	return crypto.Keccak256([]byte(b.String()))
}

// Sign produces the Auth envelope for action signed by key.
func Sign(key *ecdsa.PrivateKey, action string, nonce uint64, fields ...string) (Auth, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(Digest(action, addr, nonce, fields...), key)
	if err != nil {
		return Auth{}, err
	}
	return Auth{Address: addr, Nonce: nonce, Signature: sig}, nil
}

func recoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", ErrBadSignature, crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// nonceStore tracks the last accepted nonce per address.
type nonceStore struct {
	mu sync.Mutex
	db storage.Database
}

func nonceKey(addr common.Address) []byte {
	return append(append([]byte{}, noncePrefix...), addr.Bytes()...)
}

func (n *nonceStore) last(addr common.Address) (uint64, error) {
	raw, err := n.db.Get(nonceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("api: corrupt nonce for %s", addr.Hex())
	}
	return binary.BigEndian.Uint64(raw), nil
}

// consume records nonce for addr if it is greater than the last one.
func (n *nonceStore) consume(addr common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, err := n.last(addr)
	if err != nil {
		return err
	}
	if nonce <= last {
		return fmt.Errorf("%w: got %d, last %d", ErrStaleNonce, nonce, last)
	}
	return n.db.Put(nonceKey(addr), binary.BigEndian.AppendUint64(nil, nonce))
}

// authenticate checks the envelope signature over action and fields and
// consumes its nonce.
func (s *Server) authenticate(a Auth, action string, fields ...string) error {
	signer, err := recoverSigner(Digest(action, a.Address, a.Nonce, fields...), a.Signature)
	if err != nil {
		return err
	}
	if signer != a.Address {
		return ErrBadSignature
	}
	return s.nonces.consume(a.Address, a.Nonce)
}
