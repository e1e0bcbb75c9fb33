package httputil

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// StatusError is returned when an upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("upstream returned %s", e.Status)
	}
	return fmt.Sprintf("upstream returned %s for %s", e.Status, e.URL)
}

func isSuccessStatusCode(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// EnsureSuccessStatusCode returns a *StatusError unless resp has a 2xx status.
// The URL is reported without its query string so signed parameters stay out of logs.
func EnsureSuccessStatusCode(resp *http.Response) error {
	if isSuccessStatusCode(resp) {
		return nil
	}
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	e := &StatusError{StatusCode: resp.StatusCode, Status: status}
	if resp.Request != nil && resp.Request.URL != nil {
		u := *resp.Request.URL
		u.RawQuery = ""
		e.URL = u.String()
	}
	return e
}

// RedactURLError strips the query string from the URL of a *url.Error, as returned by
// http.Client.Do, so signed parameters stay out of logs. Other errors are returned unchanged.
func RedactURLError(err error) error {
	ue, ok := err.(*url.Error)
	if !ok {
		return err
	}
	return &url.Error{Op: ue.Op, URL: stripQuery(ue.URL), Err: ue.Err}
}

func stripQuery(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		u.RawQuery = ""
		u.ForceQuery = false
		return u.String()
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
