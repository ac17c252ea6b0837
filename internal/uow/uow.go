package uow

import "context"

// TxRunner is implemented by storage layers that can run a function inside a
// transaction, with the transaction handle carried in the context.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// hooksKey carries the outermost unit's hook list through the context so
// nested units can find it.
type hooksKey struct{}

// UoW represents a unit of work.
type UoW struct {
	runner TxRunner
}

func New(runner TxRunner) *UoW {
	return &UoW{runner: runner}
}

// Do runs fn inside a transaction. After a successful commit,
// it executes all registered after-commit hooks. Cache invalidation and
// notifications belong in hooks so they never fire for a rolled-back write.
//
// Do nests: a call made while another Do is running joins the ambient
// transaction, and its hooks are handed to the outermost unit so they run
// only once that unit has committed.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, after func(AfterCommit)) error,
) error {
	if outer, ok := ctx.Value(hooksKey{}).(*[]AfterCommit); ok {
		return u.runner.WithTx(ctx, func(ctx context.Context) error {
			return fn(ctx, func(h AfterCommit) {
				*outer = append(*outer, h)
			})
		})
	}

	var hooks []AfterCommit
	ctx = context.WithValue(ctx, hooksKey{}, &hooks)

	err := u.runner.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(ctx)
	}

	return nil
}
