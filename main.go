// main.go - N-participant custody scenario.
//
// Every participant stakes twice into the confidential ledger, waits for the
// lock to expire, requests a withdrawal, obtains the public reveal and
// finalizes it. All of this runs in-process against a leveldb store and the
// groth16-backed coprocessor. The run succeeds when every participant is made
// whole and the custody account ends empty.
//
// Usage:
//
//	go run .
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"confvault/internal/bank"
	"confvault/internal/coprocessor"
	"confvault/internal/events"
	"confvault/internal/fhe"
	"confvault/internal/storage"
	"confvault/internal/vault"
)

const N = 10

var custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000c0ffe")

// Scenario configures one run.
type Scenario struct {
	Participants int
	LockSeconds  uint64
	Dir          string
	Now          func() time.Time
	Sleep        func(time.Duration)
	Log          zerolog.Logger
}

// Result summarises a run.
type Result struct {
	Paid    map[common.Address]uint64
	Custody *uint256.Int
	Events  []events.Event
}

type participant struct {
	addr    common.Address
	genesis uint64
	deposit [2]uint64
}

func (s Scenario) Run(ctx context.Context) (*Result, error) {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Sleep == nil {
		s.Sleep = time.Sleep
	}
	log := s.Log

	db, err := storage.NewLevelDB(filepath.Join(s.Dir, "chaindata"))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	start := time.Now()
	keys, err := coprocessor.LoadOrSetupKeys(filepath.Join(s.Dir, "keys"))
	if err != nil {
		return nil, err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("reveal circuit keys ready")

	cop := coprocessor.New(db, keys, coprocessor.WithLogger(log))
	book := bank.New(db, log)
	rec := &events.Recorder{}
	ledger, err := vault.New(vault.Config{
		Address: custodyAddr,
		DB:      db,
		Engine:  cop.Session(custodyAddr),
		Payer:   book.Payer(custodyAddr),
	}, vault.WithEmitter(rec), vault.WithNowFunc(s.Now), vault.WithLogger(log))
	if err != nil {
		return nil, err
	}

	// 1. Fund participants
	parts := make([]*participant, s.Participants)
	for i := range parts {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		p := &participant{
			addr:    crypto.PubkeyToAddress(key.PublicKey),
			genesis: 1000 + uint64(i),
			deposit: [2]uint64{100 + uint64(i), 7 * uint64(i+1)},
		}
		if err := book.Credit(p.addr, uint256.NewInt(p.genesis)); err != nil {
			return nil, err
		}
		parts[i] = p
	}

	// 2. Concurrent stakes, two deposits each
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		g.Go(func() error {
			for _, d := range p.deposit {
				amount := uint256.NewInt(d)
				err := book.Escrow(gctx, p.addr, custodyAddr, amount, func(ctx context.Context) error {
					_, err := ledger.Stake(ctx, p.addr, amount, s.LockSeconds)
					return err
				})
				if err != nil {
					return fmt.Errorf("stake %s: %w", p.addr.Hex(), err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	custody, err := book.Balance(custodyAddr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("custody", custody.Dec()).Msg("all stakes committed")

	// 3. Wait for every lock to expire
	var latest uint64
	for _, p := range parts {
		unlock, err := ledger.UnlockTime(p.addr)
		if err != nil {
			return nil, err
		}
		latest = max(latest, unlock)
	}
	for ledger.Now() < latest {
		s.Sleep(time.Duration(latest-ledger.Now()) * time.Second)
	}

	// 4. Request, reveal and finalize concurrently
	g, gctx = errgroup.WithContext(ctx)
	for _, p := range parts {
		g.Go(func() error {
			h, err := ledger.RequestWithdraw(gctx, p.addr)
			if err != nil {
				return fmt.Errorf("request %s: %w", p.addr.Hex(), err)
			}
			reveals, err := cop.PublicReveal(gctx, []fhe.Handle{h})
			if err != nil {
				return fmt.Errorf("reveal %s: %w", h, err)
			}
			r := reveals[0]
			if err := ledger.FinalizeWithdraw(gctx, p.addr, h, r.Cleartext, r.Proof); err != nil {
				return fmt.Errorf("finalize %s: %w", p.addr.Hex(), err)
			}
			log.Info().Str("participant", p.addr.Hex()).Uint64("amount", r.Cleartext).Msg("withdrawal paid")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 5. Everyone is whole again and custody is empty
	res := &Result{Paid: make(map[common.Address]uint64), Events: rec.Events()}
	for _, p := range parts {
		bal, err := book.Balance(p.addr)
		if err != nil {
			return nil, err
		}
		if !bal.Eq(uint256.NewInt(p.genesis)) {
			return nil, fmt.Errorf("participant %s holds %s, started with %d", p.addr.Hex(), bal.Dec(), p.genesis)
		}
		res.Paid[p.addr] = p.deposit[0] + p.deposit[1]
	}
	if res.Custody, err = book.Balance(custodyAddr); err != nil {
		return nil, err
	}
	return res, nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	coprocessor.SetGnarkLogger(log)
	log.Info().Int("participants", N).Msg("=== Confidential custody scenario ===")

	res, err := Scenario{Participants: N, LockSeconds: 1, Dir: "scenario", Log: log}.Run(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("scenario failed")
		os.Exit(1)
	}
	log.Info().
		Int("events", len(res.Events)).
		Int("participants_paid", len(res.Paid)).
		Str("custody", res.Custody.Dec()).
		Msg("=== Scenario complete ===")
	if !res.Custody.IsZero() {
		os.Exit(1)
	}
}
