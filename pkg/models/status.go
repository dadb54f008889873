package models

// AdStatus represents the processing status of an ad URL in the state store
type AdStatus string

const (
	AdStatusUnset    AdStatus = ""          // Zero value = unset/unknown
	AdStatusPending  AdStatus = "pending"   // Stub seen, detail not yet processed
	AdStatusAccepted AdStatus = "accepted"  // Detail fetched and passed the filters
	AdStatusRejected AdStatus = "rejected"  // Detail fetched, rejected by the filters
	AdStatusFailed   AdStatus = "failed"    // Detail fetch or extraction failed
	AdStatusNotFound AdStatus = "not_found" // Ad not in database
	AdStatusDBError  AdStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s AdStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s AdStatus) IsValid() bool {
	switch s {
	case AdStatusPending, AdStatusAccepted, AdStatusRejected, AdStatusFailed:
		return true
	}
	return false
}

// IsFinal reports whether an ad with this status should be skipped on a resumed run.
// Failed ads are retried.
func (s AdStatus) IsFinal() bool {
	return s == AdStatusAccepted || s == AdStatusRejected
}

// StopReason records why a crawl ended.
type StopReason string

const (
	StopCapReached StopReason = "cap_reached"
	StopExhausted  StopReason = "exhausted"
	StopCancelled  StopReason = "cancelled"
)
