package scheduler

import "time"

// speedWindow 以约1秒的滑动窗口估算瞬时速度。
// 调用方负责加锁（统一由 Manager.mu 保护）。
type speedWindow struct {
	samples []speedSample
}

type speedSample struct {
	at    time.Time
	bytes int64
}

const speedWindowSpan = 1500 * time.Millisecond

func (w *speedWindow) add(n int64, now time.Time) {
	w.samples = append(w.samples, speedSample{at: now, bytes: n})
	w.trim(now)
}

func (w *speedWindow) trim(now time.Time) {
	cutoff := now.Add(-speedWindowSpan)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// rate 窗口内的平均字节速率（bytes/sec），无样本时为0
func (w *speedWindow) rate(now time.Time) int64 {
	w.trim(now)
	if len(w.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range w.samples {
		total += s.bytes
	}
	elapsed := now.Sub(w.samples[0].at)
	if elapsed < 100*time.Millisecond {
		elapsed = 100 * time.Millisecond
	}
	return int64(float64(total) / elapsed.Seconds())
}

func (w *speedWindow) reset() {
	w.samples = nil
}
