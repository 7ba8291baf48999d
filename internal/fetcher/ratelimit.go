package fetcher

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/pkgcacher/pkgcacher/internal/config"
)

// throttledWriter wraps an io.Writer with a token-bucket egress cap,
// implementing the `limit` config key (spec.md §4.3, §6): integer
// bytes/sec, or `<N>k`/`<N>m`.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewThrottledWriter wraps w with cfg.Limit's bandwidth cap. If the limit
// is zero (unlimited), w is returned unchanged.
func NewThrottledWriter(ctx context.Context, w io.Writer, cfg *config.Config) io.Writer {
	bytesPerSec := cfg.Limit.BytesPerSecond()
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst < 4096 {
		burst = 4096
	}
	return &throttledWriter{
		ctx:     ctx,
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	burst := t.limiter.Burst()
	written := 0
	for written < len(p) {
		chunk := len(p) - written
		if chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
