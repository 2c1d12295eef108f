package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitecreator/internal/domain"
	"github.com/timmy/sitecreator/internal/repository"
	"github.com/timmy/sitecreator/internal/service"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// JobCanceller stops a running job.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID string) (int, error)
}

// JobHandler handles bulk job submission and progress endpoints.
type JobHandler struct {
	jobs      *service.JobService
	tracker   *service.Tracker
	canceller JobCanceller
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - jobs: submission service.
//   - tracker: read side for jobs, items and summaries.
//   - canceller: cancels jobs; usually the dispatcher.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(jobs *service.JobService, tracker *service.Tracker, canceller JobCanceller) *JobHandler {
	return &JobHandler{jobs: jobs, tracker: tracker, canceller: canceller}
}

// JobResponse is a job with its progress summary.
type JobResponse struct {
	*domain.BulkJob
	DisplayStatus string            `json:"display_status"`
	Summary       domain.JobSummary `json:"summary"`
}

// ItemResponse is an item with its operator-facing status label.
type ItemResponse struct {
	*domain.CourseItem
	DisplayStatus string `json:"display_status"`
}

// ItemPage is one page of a job's items.
type ItemPage struct {
	Items  []ItemResponse `json:"items"`
	Total  int64          `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// SubmitJob handles POST /api/v1/jobs.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req service.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	job, err := h.jobs.SubmitJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondJob(c, http.StatusCreated, job)
}

// ListJobs handles GET /api/v1/jobs.
// Query: school_id, sub_unit ("dept:<id>" or "coursegroup:<id>"), term_id, status, limit.
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := repository.JobFilter{
		SchoolID: c.Query("school_id"),
		TermID:   c.Query("term_id"),
	}
	if sub := c.Query("sub_unit"); sub != "" {
		unit, err := domain.ParseOrgUnit(sub)
		if err != nil {
			respondError(c, err)
			return
		}
		filter.SubUnitKind = unit.Kind
		filter.SubUnitID = unit.ID
	}
	for _, s := range splitList(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, domain.JobStatus(s))
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		badRequest(c, err)
		return
	}
	filter.Limit = limit

	jobs, err := h.tracker.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.tracker.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondJob(c, http.StatusOK, job)
}

func (h *JobHandler) respondJob(c *gin.Context, status int, job *domain.BulkJob) {
	summary, err := h.tracker.GetSummary(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, JobResponse{
		BulkJob:       job,
		DisplayStatus: job.Status.DisplayName(),
		Summary:       summary,
	})
}

// ListItems handles GET /api/v1/jobs/:id/items.
// Query: offset, limit, sort (created_at, status, source_course_id), dir (asc, desc),
// status (comma separated), search.
func (h *JobHandler) ListItems(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		badRequest(c, err)
		return
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if _, err := h.tracker.GetJob(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	q := repository.ItemQuery{
		JobID:  c.Param("id"),
		Search: strings.TrimSpace(c.Query("search")),
		SortBy: c.Query("sort"),
		Desc:   strings.EqualFold(c.Query("dir"), "desc"),
		Offset: offset,
		Limit:  limit,
	}
	for _, s := range splitList(c.Query("status")) {
		q.Statuses = append(q.Statuses, domain.ItemStatus(s))
	}

	items, total, err := h.tracker.ListItems(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	page := ItemPage{Items: make([]ItemResponse, len(items)), Total: total, Offset: offset, Limit: limit}
	for i := range items {
		page.Items[i] = itemResponse(&items[i])
	}
	c.JSON(http.StatusOK, page)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	n, err := h.canceller.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":    c.Param("id"),
		"cancelled": n,
	})
}

// SubmitItem handles POST /api/v1/items.
func (h *JobHandler) SubmitItem(c *gin.Context) {
	var req service.SubmitItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := h.jobs.SubmitItem(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, itemResponse(item))
}

// GetItem handles GET /api/v1/items/:id.
func (h *JobHandler) GetItem(c *gin.Context) {
	item, err := h.tracker.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, itemResponse(item))
}

func itemResponse(item *domain.CourseItem) ItemResponse {
	return ItemResponse{CourseItem: item, DisplayStatus: item.Status.DisplayName()}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &domain.ValidationError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
