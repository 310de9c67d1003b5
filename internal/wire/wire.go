// Package wire defines the reconciliation protocol shared by the server
// handlers and the device transport, and the error taxonomy both sides use.
//
// All timestamps on the wire are Unix milliseconds assigned by the server.
package wire

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/roach88/liftsync/internal/workout"
)

// PullLimit is the maximum number of rows one pull returns.
const PullLimit = 200

// Paths and patterns of the endpoint.
const (
	PatternPull           = "GET /sync/workouts"
	PatternComplete       = "POST /workouts/{module}/complete"
	PatternDeleteWorkout  = "DELETE /workouts/{module}/{id}"
	PatternCreateTemplate = "POST /templates/{module}"
	PatternUpdateTemplate = "PUT /templates/{module}/{id}"
	PatternListTemplates  = "GET /templates/{module}"
)

// PullRequest asks for records changed strictly after Since.
type PullRequest struct {
	Since  int64
	Module string
	Limit  int
}

// Query encodes the request as URL query parameters.
func (r PullRequest) Query() url.Values {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(r.Since, 10))
	if r.Module != "" {
		q.Set("module", r.Module)
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	return q
}

// ParsePullRequest decodes query parameters. A missing since means zero; the
// limit is clamped to PullLimit.
func ParsePullRequest(q url.Values) (PullRequest, error) {
	r := PullRequest{Module: q.Get("module"), Limit: PullLimit}
	if s := q.Get("since"); s != "" {
		since, err := strconv.ParseInt(s, 10, 64)
		if err != nil || since < 0 {
			return PullRequest{}, Errorf(CodeValidation, "invalid since %q", s)
		}
		r.Since = since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return PullRequest{}, Errorf(CodeValidation, "invalid limit %q", s)
		}
		if limit < PullLimit {
			r.Limit = limit
		}
	}
	return r, nil
}

// PullResponse is the body of a pull.
type PullResponse struct {
	ServerTime int64           `json:"serverTime"`
	Workouts   []PulledWorkout `json:"workouts"`
	Deleted    []Tombstone     `json:"deleted"`
}

// Full reports whether the page hit the limit, meaning more rows may follow.
func (r PullResponse) Full(limit int) bool {
	return limit > 0 && len(r.Workouts)+len(r.Deleted) >= limit
}

// PulledWorkout is a changed record. Workout is the stored snapshot verbatim.
type PulledWorkout struct {
	Workout         json.RawMessage `json:"workout"`
	ServerUpdatedAt int64           `json:"serverUpdatedAt"`
	DeletedAt       *int64          `json:"deletedAt"`
}

// Head decodes the id and module out of the snapshot.
func (w PulledWorkout) Head() (id, module string, err error) {
	var head struct {
		ID     string `json:"id"`
		Module string `json:"module"`
	}
	if err := json.Unmarshal(w.Workout, &head); err != nil {
		return "", "", fmt.Errorf("decode pulled workout: %w", err)
	}
	if head.ID == "" {
		return "", "", fmt.Errorf("decode pulled workout: missing id")
	}
	return head.ID, head.Module, nil
}

// Tombstone reports a deleted record.
type Tombstone struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt"`
}

// CompleteRequest is the body of a finish push.
type CompleteRequest struct {
	Workout          workout.Session `json:"workout"`
	Events           []workout.Event `json:"events"`
	RestByExerciseID map[string]int  `json:"restByExerciseId"`
}

// CompleteResponse acknowledges a finish push.
type CompleteResponse struct {
	OK              bool   `json:"ok"`
	WorkoutID       string `json:"workoutId"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
}

// TemplateResponse acknowledges a template create or update.
type TemplateResponse struct {
	OK              bool   `json:"ok"`
	TemplateID      string `json:"templateId"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
}

// TemplateList is the body of a template listing.
type TemplateList struct {
	Templates []workout.Template `json:"templates"`
}

// ErrorBody wraps an Error in a response body.
type ErrorBody struct {
	Error *Error `json:"error"`
}
