package service

import (
	"context"
	"strings"

	"github.com/timmy/sitecreator/internal/domain"
)

// CourseProvisioner drives the remote LMS through course creation, template content
// migration and final metadata update.
type CourseProvisioner interface {
	// StartMigration creates the remote course (or finds the one already created for the
	// same source course) and starts copying the template into it.
	StartMigration(ctx context.Context, req domain.CourseRequest) (domain.Migration, error)
	// PollMigration reports the state of a migration started by StartMigration.
	PollMigration(ctx context.Context, handle string) (domain.MigrationStatus, error)
	// FinalizeCourse writes the course metadata once the content is in place.
	FinalizeCourse(ctx context.Context, remoteCourseID string, meta domain.CourseMetadata) error
}

// Notifier delivers one message to its recipients.
type Notifier interface {
	Send(ctx context.Context, n domain.Notification) error
}

// RecipientResolver maps a creator id to deliverable addresses.
type RecipientResolver interface {
	Recipients(ctx context.Context, userID string) ([]string, error)
}

// DomainRecipients resolves a user id to "<id>@<domain>", or to the id itself when it
// already looks like an address.
type DomainRecipients struct {
	Domain string
}

func (d DomainRecipients) Recipients(_ context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	if strings.ContainsRune(userID, '@') || d.Domain == "" {
		return []string{userID}, nil
	}
	return []string{userID + "@" + d.Domain}, nil
}
