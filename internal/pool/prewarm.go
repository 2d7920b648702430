package pool

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Predictor keeps an exponentially-weighted moving average of per-runtime
// demand, sampled as acquisitions per control interval. It is the default
// sizing strategy for the prewarm loop; anything smarter plugs in behind the
// same Observe/Target surface.
type Predictor struct {
	alpha  float64
	safety float64

	mu     sync.Mutex
	counts map[string]int     // acquisitions since the last tick
	ewma   map[string]float64 // smoothed demand per interval
}

// NewPredictor creates a predictor with smoothing factor alpha in (0,1] and a
// safety factor > 1 to absorb bursts.
func NewPredictor(alpha, safety float64) *Predictor {
	return &Predictor{
		alpha:  alpha,
		safety: safety,
		counts: make(map[string]int),
		ewma:   make(map[string]float64),
	}
}

// Observe records one acquisition for runtime.
func (pr *Predictor) Observe(runtime string) {
	pr.mu.Lock()
	pr.counts[runtime]++
	pr.mu.Unlock()
}

// Tick folds the interval's counts into the moving average and resets them.
func (pr *Predictor) Tick() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	for rt := range pr.ewma {
		pr.ewma[rt] = pr.alpha*float64(pr.counts[rt]) + (1-pr.alpha)*pr.ewma[rt]
	}
	for rt, n := range pr.counts {
		if _, ok := pr.ewma[rt]; !ok {
			pr.ewma[rt] = float64(n)
		}
	}
	pr.counts = make(map[string]int)
}

// Target returns the warm-set size for runtime: the smoothed demand scaled by
// the safety factor, rounded up.
func (pr *Predictor) Target(runtime string) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return int(math.Ceil(pr.ewma[runtime] * pr.safety))
}

// Runtimes lists every runtime the predictor has seen demand for.
func (pr *Predictor) Runtimes() []string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make([]string, 0, len(pr.ewma))
	for rt := range pr.ewma {
		out = append(out, rt)
	}
	return out
}

// RunPrewarm drives the prewarm control loop: every interval it folds demand
// into the predictor and converges each observed runtime's warm set toward
// the predicted target.
func (p *Pool) RunPrewarm(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if p.predictor == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.predictor.Tick()
			for _, rt := range p.predictor.Runtimes() {
				target := p.predictor.Target(rt)
				if err := p.Prewarm(ctx, rt, target); err != nil {
					logger.Warn("prewarm convergence failed", "runtime", rt, "target", target, "error", err)
				}
			}
		}
	}
}
