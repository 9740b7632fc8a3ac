package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// Pass tracks one RootTile from submission to the finishing action of the
// last tile in its tree.
type Pass struct {
	ID uuid.UUID

	started time.Time
	done    chan struct{}
	stats   types.PassStats
}

func (p *Pass) complete(root *Job) {
	p.stats.PixelsComputed = root.computed.Load()
	p.stats.MaxFiniteIter = root.maxFinite.Load()
	p.stats.Cancelled = root.cancelled.Load()
	p.stats.Duration = time.Since(p.started)
	close(p.done)
}

// Done is closed once every job of the pass has finished.
func (p *Pass) Done() <-chan struct{} {
	return p.done
}

// Stats returns the pass result. It must only be called after Done is
// closed.
func (p *Pass) Stats() types.PassStats {
	return p.stats
}

// Wait blocks until the pass finished or ctx is done.
func (p *Pass) Wait(ctx context.Context) (types.PassStats, error) {
	select {
	case <-p.done:
		return p.stats, nil
	case <-ctx.Done():
		return types.PassStats{}, ctx.Err()
	}
}
