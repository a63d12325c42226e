package record

import (
	"math"
	"strings"
	"time"
)

// Status is the outcome kind of an analysis run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// NoExitCode marks a run that never completed.
const NoExitCode = -1

// DateLayout is the human readable timestamp format used in listings.
const DateLayout = "2006-01-02 15:04:05"

// Record is the persisted result of analyzing one capture file.
// JSON field names are the on-disk contract shared with existing result directories.
type Record struct {
	Filename   string  `json:"filename"`
	Timestamp  float64 `json:"timestamp"`
	Status     Status  `json:"status"`
	ExitCode   int     `json:"exit_code"`
	Stdout     string  `json:"pcap_miner_output"`
	Stderr     string  `json:"pcap_miner_stderr"`
	Error      *string `json:"error"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// Summary is one row of the analyses listing.
type Summary struct {
	ID        string  `json:"id"`
	Filename  string  `json:"filename"`
	Timestamp float64 `json:"timestamp"`
	Date      string  `json:"date"`
	Status    Status  `json:"status"`
	ExitCode  int     `json:"exit_code"`
}

// Detail is the API view of a single record.
type Detail struct {
	ID         string  `json:"id"`
	Filename   string  `json:"filename"`
	Timestamp  float64 `json:"timestamp"`
	Status     Status  `json:"status"`
	ExitCode   int     `json:"exit_code"`
	Error      *string `json:"error"`
	RawOutput  string  `json:"raw_output"`
	Stderr     string  `json:"stderr"`
	DurationMS int64   `json:"duration_ms"`
}

// Defaults returns the record used as the decode target so that fields
// missing from a stored document keep their listing defaults.
func Defaults() Record {
	return Record{Filename: "Unknown", Status: "unknown", ExitCode: NoExitCode}
}

// IDFor derives the analysis id from a capture filename.
func IDFor(filename string) string { return filename }

// Time converts the epoch-seconds timestamp to time.Time.
func (r Record) Time() time.Time {
	sec := math.Floor(r.Timestamp)
	nsec := math.Round((r.Timestamp - sec) * 1e9)
	return time.Unix(int64(sec), int64(nsec))
}

// HumanDate formats ts in local time, or "N/A" when ts is zero.
func HumanDate(ts float64) string {
	if ts == 0 {
		return "N/A"
	}
	return Record{Timestamp: ts}.Time().Format(DateLayout)
}

// Summary projects r into a listing row.
func (r Record) Summary(id string) Summary {
	return Summary{
		ID:        id,
		Filename:  r.Filename,
		Timestamp: r.Timestamp,
		Date:      HumanDate(r.Timestamp),
		Status:    r.Status,
		ExitCode:  r.ExitCode,
	}
}

// Detail projects r into the API detail view.
func (r Record) Detail(id string) Detail {
	return Detail{
		ID:         id,
		Filename:   r.Filename,
		Timestamp:  r.Timestamp,
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		RawOutput:  r.Stdout,
		Stderr:     r.Stderr,
		DurationMS: r.DurationMS,
	}
}

// EpochSeconds converts t into the fractional seconds stored in Timestamp.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// MaxIDLength keeps "<id>.json" within the common 255-byte file name limit.
const MaxIDLength = 250

// ValidID reports whether id can be used both as a capture file name and as
// the base of its record file. Any single path element is accepted except
// hidden names (leading dot), path separators, line breaks and NUL.
func ValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00\r\n")
}
