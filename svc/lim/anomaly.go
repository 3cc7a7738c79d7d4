package lim

import (
	"sync"
	"time"

	"sharebin/metrics"
	"sharebin/svc/util"
)

const (
	anomalyWindowBuckets = 5
	anomalyMinRequests   = 10
	anomalyErrorPercent  = 5.0
)

// AnomalyDetector keeps a rolling window of one-minute buckets and calls
// onAnomaly when the server error rate over the window crosses the threshold.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:    make([]bucket, anomalyWindowBuckets),
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	close(d.done)
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].errors++
}

// AdvanceWindow evaluates the window and rotates to a fresh bucket.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	var errorRate float64
	if totalReqs > 0 {
		errorRate = (float64(totalErrs) / float64(totalReqs)) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errorRate)
	if totalReqs > anomalyMinRequests && errorRate > anomalyErrorPercent {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", totalReqs).
			Int64("total_errs", totalErrs).
			Msg("anomaly detected: high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
