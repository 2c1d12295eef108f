package domain

import "time"

// ItemStatus represents the workflow state of one course-site creation.
type ItemStatus string

const (
	ItemStatusSetup           ItemStatus = "setup"
	ItemStatusSetupFailed     ItemStatus = "setup_failed"
	ItemStatusQueued          ItemStatus = "queued"
	ItemStatusRunning         ItemStatus = "running"
	ItemStatusCompleted       ItemStatus = "completed"
	ItemStatusFailed          ItemStatus = "failed"
	ItemStatusPendingFinalize ItemStatus = "pending_finalize"
	ItemStatusFinalized       ItemStatus = "finalized"
	ItemStatusFinalizeFailed  ItemStatus = "finalize_failed"
)

// TerminalItemStatuses lists every state from which no further transition is defined.
var TerminalItemStatuses = []ItemStatus{
	ItemStatusFinalized,
	ItemStatusFailed,
	ItemStatusSetupFailed,
	ItemStatusFinalizeFailed,
}

// IsTerminal reports whether s is a terminal state.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusFinalized, ItemStatusFailed, ItemStatusSetupFailed, ItemStatusFinalizeFailed:
		return true
	}
	return false
}

// IsSuccess reports whether s is the successful terminal state.
func (s ItemStatus) IsSuccess() bool {
	return s == ItemStatusFinalized
}

// IsFailure reports whether s is one of the failed terminal states.
func (s ItemStatus) IsFailure() bool {
	return s.IsTerminal() && !s.IsSuccess()
}

// DisplayName is the operator-facing label for an item status.
func (s ItemStatus) DisplayName() string {
	switch s {
	case ItemStatusSetup, ItemStatusQueued:
		return "Queued"
	case ItemStatusRunning, ItemStatusCompleted, ItemStatusPendingFinalize:
		return "In progress"
	case ItemStatusFinalized:
		return "Complete"
	default:
		return "Failed"
	}
}

// ItemKind tags whether an item belongs to a bulk job or was created on its own.
type ItemKind string

const (
	ItemKindBulk       ItemKind = "bulk"
	ItemKindStandalone ItemKind = "standalone"
)

// CourseItem is one course's site-creation unit of work.
type CourseItem struct {
	ID                 string     `gorm:"type:text;primaryKey" json:"id"`
	Kind               ItemKind   `gorm:"type:text;not null;default:bulk" json:"kind"`
	JobID              *string    `gorm:"type:text;index:idx_course_jobs_job_status,priority:1" json:"job_id,omitempty"`
	SourceCourseID     string     `gorm:"type:text;not null;index:idx_course_jobs_source" json:"source_course_id"`
	Title              string     `gorm:"type:text" json:"title,omitempty"`
	CourseCode         string     `gorm:"type:text" json:"course_code,omitempty"`
	TermID             string     `gorm:"type:text" json:"term_id,omitempty"`
	TemplateID         *string    `gorm:"type:text" json:"template_id,omitempty"`
	AccountID          string     `gorm:"type:text" json:"account_id"`
	RemoteCourseID     *string    `gorm:"type:text;uniqueIndex:idx_course_jobs_remote" json:"remote_course_id,omitempty"`
	TrackingHandle     string     `gorm:"type:text" json:"tracking_handle,omitempty"`
	MigrationStartedAt *time.Time `json:"migration_started_at,omitempty"`
	Status             ItemStatus `gorm:"type:text;index:idx_course_jobs_job_status,priority:2;index:idx_course_jobs_status;default:setup" json:"status"`
	Cause              string     `gorm:"type:text" json:"cause,omitempty"`
	CreatedBy          string     `gorm:"type:text;not null" json:"created_by"`
	CreatedAt          time.Time  `gorm:"index:idx_course_jobs_created" json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for CourseItem.
func (CourseItem) TableName() string {
	return "course_jobs"
}

// MigrationStarted reports whether the remote course was created and its migration accepted.
func (i *CourseItem) MigrationStarted() bool {
	return i.MigrationStartedAt != nil
}

// BelongsToJob reports whether the item is part of a bulk job.
func (i *CourseItem) BelongsToJob() bool {
	return i.Kind == ItemKindBulk
}

// JobIDValue returns the owning job id, or "" for standalone items.
func (i *CourseItem) JobIDValue() string {
	if i.Kind != ItemKindBulk || i.JobID == nil {
		return ""
	}
	return *i.JobID
}

// RemoteCourseIDValue returns the remote course id, or "" before it is assigned.
func (i *CourseItem) RemoteCourseIDValue() string {
	if i.RemoteCourseID == nil {
		return ""
	}
	return *i.RemoteCourseID
}
