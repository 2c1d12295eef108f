package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/repository"
)

func TestJobService_RejectsEmptyJob(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.SubmitJob(context.Background(), SubmitJobRequest{
		SchoolID:  "colgsas",
		TermID:    "2250",
		CreatedBy: "jdoe",
	})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "courses", ve.Field)

	jobs, err := h.tracker.ListJobs(context.Background(), repository.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing is persisted for a rejected submission")
}

func TestJobService_Validation(t *testing.T) {
	h := newHarness(t)
	courses := []CourseSelection{{SourceCourseID: "A"}}

	cases := []struct {
		name  string
		req   SubmitJobRequest
		field string
	}{
		{"missing school", SubmitJobRequest{TermID: "2250", CreatedBy: "jdoe", Courses: courses}, "school_id"},
		{"missing term", SubmitJobRequest{SchoolID: "colgsas", CreatedBy: "jdoe", Courses: courses}, "term_id"},
		{"missing creator", SubmitJobRequest{SchoolID: "colgsas", TermID: "2250", Courses: courses}, "created_by"},
		{"school as sub unit", SubmitJobRequest{SchoolID: "colgsas", TermID: "2250", CreatedBy: "jdoe", SubUnit: "school:x", Courses: courses}, "sub_unit"},
		{"malformed sub unit", SubmitJobRequest{SchoolID: "colgsas", TermID: "2250", CreatedBy: "jdoe", SubUnit: "dept", Courses: courses}, "org_unit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.SubmitJob(context.Background(), tc.req)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestJobService_SubmitJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.service.SubmitJob(ctx, SubmitJobRequest{
		SchoolID:  "colgsas",
		SubUnit:   "dept:150",
		TermID:    "2250",
		CreatedBy: "jdoe",
		Courses: []CourseSelection{
			{SourceCourseID: "A"},
			{SourceCourseID: " "},
			{SourceCourseID: "B"},
			{SourceCourseID: "A"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 4, job.TotalItems)
	assert.Equal(t, domain.OrgUnit{Kind: domain.OrgUnitDepartment, ID: "150"}, job.Scope())

	items, err := h.tracker.ItemsOfJob(ctx, job.ID, allItemStatuses...)
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, domain.ItemStatusQueued, items[0].Status)
	assert.Equal(t, "dept:150", items[0].AccountID)
	assert.Equal(t, domain.ItemStatusSetupFailed, items[1].Status)
	assert.Equal(t, "missing source course id", items[1].Cause)
	assert.Equal(t, domain.ItemStatusQueued, items[2].Status)
	assert.Equal(t, domain.ItemStatusSetupFailed, items[3].Status)
	assert.Contains(t, items[3].Cause, "duplicate")
}

func TestJobService_AllItemsInvalidFinalizesImmediately(t *testing.T) {
	h := newHarness(t)

	job := h.submit(t, "", "")
	assert.Equal(t, domain.JobStatusNotificationSuccessful, job.Status)
	msgs := h.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, " - 2 course sites were not created.")
}

func TestJobService_ResumeSetup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, items := h.seedJob(t, domain.ItemStatusSetup, domain.ItemStatusSetup)
	require.NoError(t, h.db.Model(&domain.BulkJob{}).Where("id = ?", job.ID).Update("status", domain.JobStatusSetup).Error)

	n, err := h.service.ResumeSetup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.JobStatusPending, h.job(t, job.ID).Status)
	for _, it := range items {
		assert.Equal(t, domain.ItemStatusQueued, h.item(t, it.ID).Status)
	}

	n, err = h.service.ResumeSetup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJobService_SubmitItemValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.SubmitItem(ctx, SubmitItemRequest{Account: "school:x", CreatedBy: "jdoe"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "source_course_id", ve.Field)

	_, err = h.service.SubmitItem(ctx, SubmitItemRequest{
		Account:         "galaxy:1",
		CreatedBy:       "jdoe",
		CourseSelection: CourseSelection{SourceCourseID: "A"},
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "org_unit", ve.Field)
}

func TestJobService_SubmitJobSurvivesCallerGoingAway(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The first read after the insert is activation; the caller disconnects right before it.
	require.NoError(t, h.db.Callback().Query().Before("gorm:query").Register("test:caller_gone", func(*gorm.DB) {
		cancel()
	}))

	job, err := h.service.SubmitJob(ctx, SubmitJobRequest{
		SchoolID:  "colgsas",
		TermID:    "2250",
		CreatedBy: "jdoe",
		Courses:   []CourseSelection{{SourceCourseID: "A"}, {SourceCourseID: "B"}},
	})
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	assert.Equal(t, domain.JobStatusPending, h.job(t, job.ID).Status)
	items, err := h.tracker.ItemsOfJob(context.Background(), job.ID, allItemStatuses...)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, domain.ItemStatusQueued, it.Status, it.SourceCourseID)
	}
}

func TestJobService_SubmitItemSurvivesCallerGoingAway(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.db.Callback().Update().Before("gorm:update").Register("test:caller_gone", func(*gorm.DB) {
		cancel()
	}))

	item, err := h.service.SubmitItem(ctx, SubmitItemRequest{
		Account:         "school:colgsas",
		TermID:          "2250",
		CreatedBy:       "jdoe",
		CourseSelection: CourseSelection{SourceCourseID: "solo"},
	})
	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, domain.ItemStatusQueued, h.item(t, item.ID).Status)
}
