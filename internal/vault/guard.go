package vault

import "context"

type guardKey struct{}

// guard serializes ledger operations on a single token. The context handed
// to engine and payer calls is stamped with the guard, so a nested operation
// entered through it fails fast instead of waiting on itself. A nested call
// made with an unrelated context is indistinguishable from a concurrent
// caller and waits until that context is done.
type guard struct {
	token chan struct{}
}

func newGuard() *guard {
	return &guard{token: make(chan struct{}, 1)}
}

func (g *guard) enter(ctx context.Context) (context.Context, func(), error) {
	if held, _ := ctx.Value(guardKey{}).(*guard); held == g {
		return nil, nil, ErrReentrantCall
	}
	select {
	case g.token <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return context.WithValue(ctx, guardKey{}, g), func() { <-g.token }, nil
}
