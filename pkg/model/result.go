package model

import "time"

// Result is the outcome of a single download+upload trial.
type Result struct {
	DownloadMbps    float64
	UploadMbps      float64
	DownloadElapsed time.Duration
	UploadElapsed   time.Duration
}

// Elapsed returns the total time spent measuring.
func (r Result) Elapsed() time.Duration {
	return r.DownloadElapsed + r.UploadElapsed
}
