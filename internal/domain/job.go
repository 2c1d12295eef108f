package domain

import "time"

// JobStatus represents the status of a bulk course-site creation job.
// A job moves forward only: setup, pending, finalizing, then one of the notification outcomes.
type JobStatus string

const (
	JobStatusSetup                  JobStatus = "setup"
	JobStatusPending                JobStatus = "pending"
	JobStatusFinalizing             JobStatus = "finalizing"
	JobStatusNotificationSuccessful JobStatus = "notification_successful"
	JobStatusNotificationFailed     JobStatus = "notification_failed"
)

// IsFinished reports whether the job has left the finalizing phase.
func (s JobStatus) IsFinished() bool {
	return s == JobStatusNotificationSuccessful || s == JobStatusNotificationFailed
}

// DisplayName is the operator-facing label for a job status.
// A failed notification is shown as a completed job with a delivery issue, never as a silent success.
func (s JobStatus) DisplayName() string {
	switch s {
	case JobStatusSetup:
		return "Setting up"
	case JobStatusPending:
		return "In progress"
	case JobStatusFinalizing:
		return "Finalizing"
	case JobStatusNotificationSuccessful:
		return "Completed"
	case JobStatusNotificationFailed:
		return "Completed with delivery issue"
	default:
		return string(s)
	}
}

// BulkJob represents one bulk request spanning many course items.
type BulkJob struct {
	ID              string      `gorm:"type:text;primaryKey" json:"id"`
	SchoolID        string      `gorm:"type:text;not null;index:idx_bulk_jobs_school" json:"school_id"`
	SubUnitKind     OrgUnitKind `gorm:"type:text" json:"sub_unit_kind,omitempty"`
	SubUnitID       string      `gorm:"type:text;index:idx_bulk_jobs_sub_unit" json:"sub_unit_id,omitempty"`
	TermID          string      `gorm:"type:text;not null" json:"term_id"`
	TemplateID      *string     `gorm:"type:text" json:"template_id,omitempty"`
	CreatedBy       string      `gorm:"type:text;not null" json:"created_by"`
	TotalItems      int         `gorm:"not null" json:"total_items"`
	CancelRequested bool        `gorm:"default:false" json:"cancel_requested"`
	Status          JobStatus   `gorm:"type:text;index:idx_bulk_jobs_status;default:setup" json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TableName returns the database table name for BulkJob.
func (BulkJob) TableName() string {
	return "bulk_jobs"
}

// Scope returns the organizational unit the job was requested for: the sub-unit when one was
// selected, otherwise the school.
func (j *BulkJob) Scope() OrgUnit {
	if j.SubUnitKind != "" {
		return OrgUnit{Kind: j.SubUnitKind, ID: j.SubUnitID}
	}
	return OrgUnit{Kind: OrgUnitSchool, ID: j.SchoolID}
}

// JobSummary holds aggregate item counts for a job.
// Completed counts items in any terminal state; Successful and Failed partition Completed.
type JobSummary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Done reports whether every item of the job has reached a terminal state.
func (s JobSummary) Done() bool {
	return s.Total > 0 && s.Completed == s.Total
}
