package diffgrid

import "time"

// QuickSkip reports whether a comparison can conclude "no changes" from
// filesystem metadata alone: the baseline's recorded (mtime, size) match
// the current source within tolerance. Only polling comparisons may skip —
// on network shares the watcher can fire before metadata visibly changes,
// so event-driven comparisons always parse.
func QuickSkip(polling, enabled bool, baselineMtime, baselineSize int64, srcMtime time.Time, srcSize int64, tolerance time.Duration) bool {
	if !polling || !enabled {
		return false
	}

	if baselineMtime <= 0 || baselineSize < 0 {
		return false
	}

	if srcSize != baselineSize {
		return false
	}

	drift := srcMtime.Sub(time.Unix(0, baselineMtime))
	if drift < 0 {
		drift = -drift
	}

	return drift <= tolerance
}
