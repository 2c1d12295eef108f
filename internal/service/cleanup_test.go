package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/sitecreator/internal/domain"
)

// fakeRemover holds courses keyed by id, each with sections and enrollments.
type fakeRemover struct {
	mu       sync.Mutex
	courses  map[string]domain.RemoteCourse
	sections map[string][]domain.RemoteSection
	enrolled map[string][]domain.RemoteEnrollment
	failOn   map[string]error
	calls    []string
}

func newFakeRemover() *fakeRemover {
	return &fakeRemover{
		courses:  map[string]domain.RemoteCourse{},
		sections: map[string][]domain.RemoteSection{},
		enrolled: map[string][]domain.RemoteEnrollment{},
		failOn:   map[string]error{},
	}
}

func (f *fakeRemover) addCourse(id, sis string, sections ...string) {
	f.courses[id] = domain.RemoteCourse{ID: id, SISCourseID: sis}
	for _, s := range sections {
		f.sections[id] = append(f.sections[id], domain.RemoteSection{ID: s})
		f.enrolled[s] = []domain.RemoteEnrollment{{ID: "e-" + s, CourseID: id}}
	}
}

func (f *fakeRemover) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeRemover) GetCourse(_ context.Context, lookup string) (domain.RemoteCourse, error) {
	if err := f.record("get " + lookup); err != nil {
		return domain.RemoteCourse{}, err
	}
	for _, c := range f.courses {
		if c.ID == lookup || "sis_course_id:"+c.SISCourseID == lookup {
			return c, nil
		}
	}
	return domain.RemoteCourse{}, domain.NewPermanentError("get_course", 404, "not found")
}

func (f *fakeRemover) ListSections(_ context.Context, courseID string) ([]domain.RemoteSection, error) {
	return f.sections[courseID], f.record("sections " + courseID)
}

func (f *fakeRemover) ListSectionEnrollments(_ context.Context, sectionID string) ([]domain.RemoteEnrollment, error) {
	return f.enrolled[sectionID], f.record("enrollments " + sectionID)
}

func (f *fakeRemover) DeleteEnrollment(_ context.Context, courseID, enrollmentID string) error {
	return f.record(fmt.Sprintf("delete enrollment %s/%s", courseID, enrollmentID))
}

func (f *fakeRemover) ClearSectionSISID(_ context.Context, sectionID string) error {
	return f.record("clear section " + sectionID)
}

func (f *fakeRemover) DeleteSection(_ context.Context, sectionID string) error {
	return f.record("delete section " + sectionID)
}

func (f *fakeRemover) ClearCourseSISID(_ context.Context, courseID string) error {
	return f.record("clear course " + courseID)
}

func (f *fakeRemover) DeleteCourse(_ context.Context, courseID string) error {
	return f.record("delete course " + courseID)
}

func newCleanup(h *harness, r *fakeRemover) *CleanupService {
	return NewCleanupService(r, h.tracker, h.retry, NewRateBudget(2, time.Second, nil))
}

func TestCleanupRequest_Validate(t *testing.T) {
	assert.Error(t, CleanupRequest{}.Validate())
	assert.Error(t, CleanupRequest{JobID: "j", RemoteCourseIDs: []string{"1"}}.Validate())
	assert.NoError(t, CleanupRequest{SourceCourseIDs: []string{"s"}}.Validate())
}

func TestCleanup_RemovesCourseInOrder(t *testing.T) {
	h := newHarness(t)
	r := newFakeRemover()
	r.addCourse("101", "src-a", "s1")

	report, err := newCleanup(h, r).Run(context.Background(), CleanupRequest{SourceCourseIDs: []string{"src-a"}})
	require.NoError(t, err)
	assert.Equal(t, &CleanupReport{Requested: 1, Deleted: 1}, report)
	assert.Equal(t, []string{
		"get sis_course_id:src-a",
		"sections 101",
		"enrollments s1",
		"delete enrollment 101/e-s1",
		"clear section s1",
		"delete section s1",
		"clear course 101",
		"delete course 101",
	}, r.calls)
}

func TestCleanup_ErrorsAreNotFatal(t *testing.T) {
	h := newHarness(t)
	r := newFakeRemover()
	r.addCourse("101", "a", "s1")
	r.addCourse("102", "b")
	r.failOn["delete section s1"] = domain.NewPermanentError("delete_section", 403, "forbidden")
	r.failOn["delete course 102"] = errors.New("connection reset")

	report, err := newCleanup(h, r).Run(context.Background(), CleanupRequest{RemoteCourseIDs: []string{"101", "102", "999"}})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.NotFound)
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0], "delete section s1")
	assert.Contains(t, report.Errors[1], "delete course 102")
}

func TestCleanup_ByJob(t *testing.T) {
	h := newHarness(t)
	job, items := h.seedJob(t, domain.ItemStatusFinalized, domain.ItemStatusFailed, domain.ItemStatusFinalized)
	for i, id := range []string{"201", "", "203"} {
		if id == "" {
			continue
		}
		require.NoError(t, h.db.Model(&domain.CourseItem{}).Where("id = ?", items[i].ID).Update("remote_course_id", id).Error)
	}
	r := newFakeRemover()
	r.addCourse("201", "x")
	r.addCourse("203", "y")

	report, err := newCleanup(h, r).Run(context.Background(), CleanupRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, 2, report.Deleted)

	var deleted []string
	for _, c := range r.calls {
		if len(c) > len("delete course ") && c[:len("delete course ")] == "delete course " {
			deleted = append(deleted, c[len("delete course "):])
		}
	}
	sort.Strings(deleted)
	assert.Equal(t, []string{"201", "203"}, deleted)
}

func TestCleanup_UnknownJob(t *testing.T) {
	h := newHarness(t)
	r := newFakeRemover()

	report, err := newCleanup(h, r).Run(context.Background(), CleanupRequest{JobID: "no-such-job"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, report)
	assert.Empty(t, r.calls)
}
