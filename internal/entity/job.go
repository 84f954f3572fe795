package entity

import (
	"time"

	"github.com/joseph-ayodele/replay-fetcher/constants"
)

// Job represents one matches_to_download row for data transfer between layers.
type Job struct {
	ID        int64               `json:"id"`
	ShareCode string              `json:"share_code"`
	UserID    int64               `json:"user_id"`
	Status    constants.JobStatus `json:"status"`
	FilePath  *string             `json:"file_path,omitempty"`
	CoachTip  *string             `json:"coach_tip,omitempty"`
	TipSent   bool                `json:"tip_sent"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// FilePathOrEmpty returns the stored replay path, or "" before download.
func (j *Job) FilePathOrEmpty() string {
	if j.FilePath == nil {
		return ""
	}
	return *j.FilePath
}

// CoachTipOrEmpty returns the feedback text, or "" when analysis has not produced any.
func (j *Job) CoachTipOrEmpty() string {
	if j.CoachTip == nil {
		return ""
	}
	return *j.CoachTip
}
