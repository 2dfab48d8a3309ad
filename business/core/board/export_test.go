package board

import "context"

// ProcessEvent exposes the per-event pipeline to tests.
func (b *Board) ProcessEvent(ctx context.Context, raw string) error {
	return b.process(ctx, raw)
}

// ReplayQueue exposes the crash replay path to tests.
func (b *Board) ReplayQueue(ctx context.Context) error {
	return b.replay(ctx)
}
