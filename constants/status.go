package constants

// JobStatus is the canonical status for rows in matches_to_download.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // waiting to be claimed
	JobStatusProcessing JobStatus = "processing" // claimed by a worker
	JobStatusDownloaded JobStatus = "downloaded" // replay stored on disk
	JobStatusError      JobStatus = "error"      // terminal failure, needs re-submission
	JobStatusProcessed  JobStatus = "processed"  // analysis wrote a coach tip
	JobStatusParsed     JobStatus = "parsed"     // analysis parsed round stats
	JobStatusNotified   JobStatus = "notified"   // feedback delivered to the user
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusDownloaded,
	JobStatusError,
	JobStatusProcessed,
	JobStatusParsed,
	JobStatusNotified,
}

// FeedbackReadyStatuses are the statuses after which a coach tip may be delivered.
var FeedbackReadyStatuses = []JobStatus{JobStatusProcessed, JobStatusParsed}

// ParseJobStatus reports whether s is a known status.
func ParseJobStatus(s string) (JobStatus, bool) {
	for _, st := range JobStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// AsStrings returns the given statuses as plain strings, handy for IN (...) clauses.
func AsStrings(statuses ...JobStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
