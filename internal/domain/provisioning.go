package domain

// CourseRequest carries what the remote API needs to create one course site.
type CourseRequest struct {
	ItemID         string
	SourceCourseID string
	AccountID      string
	TermID         string
	TemplateID     string
	Title          string
	CourseCode     string
}

// Migration identifies a remote course and the content migration copying the template into it.
// An empty Handle means no migration was needed.
type Migration struct {
	RemoteCourseID string
	Handle         string
}

// MigrationState is the remote workflow state of a content migration.
type MigrationState string

const (
	MigrationQueued    MigrationState = "queued"
	MigrationRunning   MigrationState = "running"
	MigrationCompleted MigrationState = "completed"
	MigrationFailed    MigrationState = "failed"
)

// MigrationStatus is one poll result.
type MigrationStatus struct {
	State   MigrationState
	Message string
}

// CourseMetadata is written onto the remote course once its content is in place.
type CourseMetadata struct {
	SourceCourseID string
	TermID         string
	Title          string
	CourseCode     string
}

// Notification is one outbound message.
type Notification struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	JobID      string   `json:"job_id,omitempty"`
	ItemID     string   `json:"item_id,omitempty"`
}

// RemoteCourse is a course as the remote LMS reports it.
type RemoteCourse struct {
	ID          string
	SISCourseID string
	Name        string
}

// RemoteSection is a section of a remote course.
type RemoteSection struct {
	ID           string
	SISSectionID string
}

// RemoteEnrollment is an enrollment in a remote section.
type RemoteEnrollment struct {
	ID       string
	CourseID string
}
