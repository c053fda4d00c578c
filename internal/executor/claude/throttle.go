package claude

import "time"

const (
	MinUpdateInterval = 1000 * time.Millisecond
	MaxUpdateInterval = 3000 * time.Millisecond

	updateCostPerChar = 3 * time.Millisecond

	// Guards layered on top of the interval by the streaming executor.
	maxUpdatesPerRun = 20
	minUpdateGrowth  = 50
)

// UpdateInterval returns how long to wait between partial updates for
// content of the given length: 3ms per character, clamped to [1s, 3s].
func UpdateInterval(contentLength int) time.Duration {
	d := time.Duration(contentLength) * updateCostPerChar
	if d < MinUpdateInterval {
		return MinUpdateInterval
	}
	if d > MaxUpdateInterval {
		return MaxUpdateInterval
	}
	return d
}

// ShouldUpdate reports whether enough time has passed since the last update.
func ShouldUpdate(elapsed time.Duration, contentLength int) bool {
	return elapsed >= UpdateInterval(contentLength)
}

// updateGate tracks the partial updates of a single streamed run.
type updateGate struct {
	now     func() time.Time
	last    time.Time
	lastLen int
	count   int
}

func newUpdateGate(now func() time.Time) *updateGate {
	return &updateGate{now: now}
}

// due reports whether a partial update should fire for content of the given
// length. Once the interval has elapsed the interval restarts, even when the
// growth or per-run cap then holds the update back.
func (g *updateGate) due(contentLength int) bool {
	now := g.now()
	if !g.last.IsZero() && !ShouldUpdate(now.Sub(g.last), contentLength) {
		return false
	}
	g.last = now

	if g.count >= maxUpdatesPerRun {
		return false
	}
	if contentLength-g.lastLen < minUpdateGrowth {
		return false
	}

	g.lastLen = contentLength
	g.count++
	return true
}
