package canvas

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/sitecreator/internal/domain"
)

// apiErrorBody covers the error shapes the LMS returns.
type apiErrorBody struct {
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// classify turns a transport error or non-2xx response into a domain.RemoteError.
// Network failures, timeouts and 5xx are transient; 429, and 403 carrying rate-limit
// signals, are rate limited; any other 4xx is permanent.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return domain.NewTransientError(op, 0, err)
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}

	msg := errorMessage(resp)
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusForbidden && rateLimited(resp, msg):
		return domain.NewRateLimitedError(op, code, retryAfter(resp.Header(), time.Now()), msg)
	case code >= 500, code == http.StatusRequestTimeout:
		return &domain.RemoteError{Op: op, Kind: domain.ErrorKindTransient, StatusCode: code, Message: msg}
	default:
		return domain.NewPermanentError(op, code, msg)
	}
}

func rateLimited(resp *resty.Response, msg string) bool {
	if remaining := resp.Header().Get("X-Rate-Limit-Remaining"); remaining != "" {
		if v, err := strconv.ParseFloat(remaining, 64); err == nil && v <= 0 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg), "rate limit exceeded")
}

// retryAfter reads Retry-After as seconds or an HTTP date. Zero means absent.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func errorMessage(resp *resty.Response) string {
	body := resp.Body()
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		var list []struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(parsed.Errors, &list) == nil && len(list) > 0 && list[0].Message != "" {
			return list[0].Message
		}
		if len(parsed.Errors) > 0 && string(parsed.Errors) != "null" {
			return string(parsed.Errors)
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode())
	}
	return text
}
