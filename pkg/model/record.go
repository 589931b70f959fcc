// Package model contains the archival format of speedtracker records.
package model

import "time"

// TimeLayout is the layout used for Record.TimeOfTest.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Record is the persisted outcome of a single trial. Records are stored in
// JSON objects keyed by the decimal TestID, so TestID itself is not part of
// the serialized value.
type Record struct {
	// TestID is the position of the trial within its run, starting at 0.
	TestID int `json:"-" bigquery:"-"`
	// DownloadSpeed is the download rate in Mb/s.
	DownloadSpeed float64 `json:"download_speed" bigquery:"download_speed"`
	// UploadSpeed is the upload rate in Mb/s.
	UploadSpeed float64 `json:"upload_speed" bigquery:"upload_speed"`
	// DownloadTimeTaken is the duration of the download subtest in seconds.
	DownloadTimeTaken float64 `json:"download_time_taken" bigquery:"download_time_taken"`
	// UploadTimeTaken is the duration of the upload subtest in seconds.
	UploadTimeTaken float64 `json:"upload_time_taken" bigquery:"upload_time_taken"`
	// TimeOfTest is the completion time of the trial, formatted with TimeLayout.
	TimeOfTest string `json:"time_of_test" bigquery:"time_of_test"`
}

// NewRecord returns a Record for the given trial, timestamped with t.
func NewRecord(id int, downloadMbps, uploadMbps float64,
	downloadElapsed, uploadElapsed time.Duration, t time.Time) Record {
	return Record{
		TestID:            id,
		DownloadSpeed:     downloadMbps,
		UploadSpeed:       uploadMbps,
		DownloadTimeTaken: downloadElapsed.Seconds(),
		UploadTimeTaken:   uploadElapsed.Seconds(),
		TimeOfTest:        t.Format(TimeLayout),
	}
}

// Time parses TimeOfTest. It returns the zero time if the field is malformed.
func (r Record) Time() time.Time {
	t, err := time.ParseInLocation(TimeLayout, r.TimeOfTest, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
