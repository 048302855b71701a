// Package resource bounds the bandwidth the repository spends on remote
// container traffic, so bulk cache refills cannot starve request serving.
package resource

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Throttle is a byte-rate budget shared by all remote downloads.
// A nil *Throttle is valid and imposes no limit.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle allowing bytesPerSecond of remote IO,
// with a burst of the same size. bytesPerSecond <= 0 returns nil
// (unlimited).
func NewThrottle(bytesPerSecond int64) *Throttle {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)),
	}
}

// WaitN blocks until n bytes of budget are available or ctx is done.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil || n <= 0 {
		return nil
	}
	burst := t.limiter.Burst()
	// Requests larger than the burst are paid in burst-sized instalments.
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader wraps r so reads consume throttle budget.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	if t == nil {
		return r
	}
	return &throttledReader{r: r, t: t, ctx: ctx}
}

type throttledReader struct {
	r   io.Reader
	t   *Throttle
	ctx context.Context
}

func (r *throttledReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.t.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
