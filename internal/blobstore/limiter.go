package blobstore

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const mb = 1 << 20

func newRateLimiter(mbps int) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
}

// limitReader throttles reads against a shared byte budget and stops at
// context cancellation.
type limitReader struct {
	ctx        context.Context
	rate       *rate.Limiter
	underlying io.Reader
}

func (r *limitReader) Read(p []byte) (n int, err error) {
	if err = r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.rate == nil {
		return r.underlying.Read(p)
	}
	if burst := r.rate.Burst(); len(p) > burst {
		p = p[:burst]
	}
	if err = r.rate.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.underlying.Read(p)
}

func (c *LocalCAS) reader(ctx context.Context, r io.Reader) io.Reader {
	return &limitReader{ctx: ctx, rate: c.limiter, underlying: r}
}
