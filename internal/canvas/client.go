package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/sitecreator/internal/domain"
	"golang.org/x/time/rate"
)

// Config configures the LMS REST client.
type Config struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	PerPage        int
	RequestsPerSec float64
	Burst          int
}

// Client talks to the Canvas REST API. It implements the course provisioning and course
// removal operations the orchestrator needs.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	perPage int
}

// NewClient creates a Client. A zero RequestsPerSec disables client-side rate limiting.
func NewClient(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	client.SetAuthToken(cfg.Token)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 40
	}
	return &Client{http: client, limiter: limiter, perPage: perPage}
}

// ID accepts both numeric and string identifiers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("canvas id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type course struct {
	ID          ID     `json:"id"`
	SISCourseID string `json:"sis_course_id"`
	Name        string `json:"name"`
}

type contentMigration struct {
	ID            ID     `json:"id"`
	ProgressURL   string `json:"progress_url"`
	WorkflowState string `json:"workflow_state"`
}

type progress struct {
	WorkflowState string `json:"workflow_state"`
	Message       string `json:"message"`
}

type section struct {
	ID           ID     `json:"id"`
	SISSectionID string `json:"sis_section_id"`
}

type enrollment struct {
	ID       ID `json:"id"`
	CourseID ID `json:"course_id"`
}

// do sends one request after waiting for the client-side limiter and classifies the outcome.
func (c *Client) do(ctx context.Context, op, method, path string, body, result interface{}) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, domain.NewTransientError(op, 0, err)
	}

	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil && ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err := classify(op, resp, err); err != nil {
		return resp, err
	}
	return resp, nil
}

// StartMigration creates the course in its SIS account and, when a template is given,
// starts a course copy from it. If a course with the same SIS id already exists it is
// reused, so a retried start never creates a second course.
func (c *Client) StartMigration(ctx context.Context, req domain.CourseRequest) (domain.Migration, error) {
	created, err := c.createCourse(ctx, req)
	if err != nil {
		return domain.Migration{}, err
	}
	mig := domain.Migration{RemoteCourseID: string(created.ID)}
	if req.TemplateID == "" {
		return mig, nil
	}

	var cm contentMigration
	body := map[string]interface{}{
		"migration_type": "course_copy_importer",
		"settings":       map[string]string{"source_course_id": req.TemplateID},
	}
	path := "/v1/courses/" + url.PathEscape(mig.RemoteCourseID) + "/content_migrations"
	if _, err := c.do(ctx, "start content migration", "POST", path, body, &cm); err != nil {
		return domain.Migration{}, err
	}
	if cm.ProgressURL == "" {
		return domain.Migration{}, domain.NewPermanentError("start content migration", 0, "response carried no progress url")
	}
	mig.Handle = cm.ProgressURL
	return mig, nil
}

func (c *Client) createCourse(ctx context.Context, req domain.CourseRequest) (*course, error) {
	name := req.Title
	if name == "" {
		name = req.SourceCourseID
	}
	fields := map[string]string{
		"name":          name,
		"sis_course_id": req.SourceCourseID,
	}
	if req.CourseCode != "" {
		fields["course_code"] = req.CourseCode
	}
	if req.TermID != "" {
		fields["term_id"] = "sis_term_id:" + req.TermID
	}

	var out course
	path := "/v1/accounts/" + url.PathEscape("sis_account_id:"+req.AccountID) + "/courses"
	_, err := c.do(ctx, "create course", "POST", path, map[string]interface{}{"course": fields}, &out)
	if err == nil {
		return &out, nil
	}
	if !sisIDTaken(err) {
		return nil, err
	}

	existing, lookupErr := c.GetCourse(ctx, "sis_course_id:"+req.SourceCourseID)
	if lookupErr != nil {
		return nil, fmt.Errorf("course with SIS id %s exists but could not be read: %w", req.SourceCourseID, lookupErr)
	}
	return &course{ID: ID(existing.ID), SISCourseID: existing.SISCourseID, Name: existing.Name}, nil
}

func sisIDTaken(err error) bool {
	var re *domain.RemoteError
	return errors.As(err, &re) && re.StatusCode == 400 && strings.Contains(strings.ToLower(re.Message), "already in use")
}

// PollMigration reads the progress object of a content migration.
func (c *Client) PollMigration(ctx context.Context, handle string) (domain.MigrationStatus, error) {
	var p progress
	if _, err := c.do(ctx, "poll migration", "GET", handle, nil, &p); err != nil {
		return domain.MigrationStatus{}, err
	}
	st := domain.MigrationStatus{Message: p.Message}
	switch p.WorkflowState {
	case "completed":
		st.State = domain.MigrationCompleted
	case "failed":
		st.State = domain.MigrationFailed
	case "running":
		st.State = domain.MigrationRunning
	default:
		st.State = domain.MigrationQueued
	}
	return st, nil
}

// FinalizeCourse writes the course name, code and term.
func (c *Client) FinalizeCourse(ctx context.Context, remoteCourseID string, meta domain.CourseMetadata) error {
	fields := map[string]string{}
	if meta.Title != "" {
		fields["name"] = meta.Title
	}
	if meta.CourseCode != "" {
		fields["course_code"] = meta.CourseCode
	}
	if meta.TermID != "" {
		fields["term_id"] = "sis_term_id:" + meta.TermID
	}
	_, err := c.do(ctx, "finalize course", "PUT", "/v1/courses/"+url.PathEscape(remoteCourseID), map[string]interface{}{"course": fields}, nil)
	return err
}

// GetCourse looks a course up by id or by "sis_course_id:<id>".
func (c *Client) GetCourse(ctx context.Context, lookupID string) (domain.RemoteCourse, error) {
	var out course
	path := "/v1/courses/" + url.PathEscape(lookupID) + "?include[]=all_courses"
	if _, err := c.do(ctx, "get course", "GET", path, nil, &out); err != nil {
		return domain.RemoteCourse{}, err
	}
	return domain.RemoteCourse{ID: string(out.ID), SISCourseID: out.SISCourseID, Name: out.Name}, nil
}

// ListSections returns every section of a course.
func (c *Client) ListSections(ctx context.Context, courseID string) ([]domain.RemoteSection, error) {
	var out []domain.RemoteSection
	err := c.list(ctx, "list sections", "/v1/courses/"+url.PathEscape(courseID)+"/sections", func(raw []byte) error {
		var page []section
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		for _, s := range page {
			out = append(out, domain.RemoteSection{ID: string(s.ID), SISSectionID: s.SISSectionID})
		}
		return nil
	})
	return out, err
}

// ListSectionEnrollments returns every enrollment of a section.
func (c *Client) ListSectionEnrollments(ctx context.Context, sectionID string) ([]domain.RemoteEnrollment, error) {
	var out []domain.RemoteEnrollment
	err := c.list(ctx, "list enrollments", "/v1/sections/"+url.PathEscape(sectionID)+"/enrollments", func(raw []byte) error {
		var page []enrollment
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		for _, e := range page {
			out = append(out, domain.RemoteEnrollment{ID: string(e.ID), CourseID: string(e.CourseID)})
		}
		return nil
	})
	return out, err
}

// DeleteEnrollment removes an enrollment outright.
func (c *Client) DeleteEnrollment(ctx context.Context, courseID, enrollmentID string) error {
	path := "/v1/courses/" + url.PathEscape(courseID) + "/enrollments/" + url.PathEscape(enrollmentID) + "?task=delete"
	_, err := c.do(ctx, "delete enrollment", "DELETE", path, nil, nil)
	return err
}

// ClearSectionSISID blanks the section's SIS id.
func (c *Client) ClearSectionSISID(ctx context.Context, sectionID string) error {
	body := map[string]interface{}{"course_section": map[string]string{"sis_section_id": ""}}
	_, err := c.do(ctx, "clear section sis id", "PUT", "/v1/sections/"+url.PathEscape(sectionID), body, nil)
	return err
}

// DeleteSection deletes a section.
func (c *Client) DeleteSection(ctx context.Context, sectionID string) error {
	_, err := c.do(ctx, "delete section", "DELETE", "/v1/sections/"+url.PathEscape(sectionID), nil, nil)
	return err
}

// ClearCourseSISID blanks the course's SIS id.
func (c *Client) ClearCourseSISID(ctx context.Context, courseID string) error {
	body := map[string]interface{}{"course": map[string]string{"sis_course_id": ""}}
	_, err := c.do(ctx, "clear course sis id", "PUT", "/v1/courses/"+url.PathEscape(courseID), body, nil)
	return err
}

// DeleteCourse deletes a course.
func (c *Client) DeleteCourse(ctx context.Context, courseID string) error {
	_, err := c.do(ctx, "delete course", "DELETE", "/v1/courses/"+url.PathEscape(courseID)+"?event=delete", nil, nil)
	return err
}

// list follows rel="next" links until every page has been handed to decode.
func (c *Client) list(ctx context.Context, op, path string, decode func(raw []byte) error) error {
	next := path + "?per_page=" + strconv.Itoa(c.perPage)
	for next != "" {
		resp, err := c.do(ctx, op, "GET", next, nil, nil)
		if err != nil {
			return err
		}
		if err := decode(resp.Body()); err != nil {
			return domain.NewPermanentError(op, resp.StatusCode(), "malformed response: "+err.Error())
		}
		next = nextLink(resp.Header().Get("Link"))
	}
	return nil
}

// nextLink extracts the rel="next" target of a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		for _, attr := range segs[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(segs[0]), "<>")
			}
		}
	}
	return ""
}
