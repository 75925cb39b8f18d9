package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-resty/resty/v2"

	"github.com/seantiz/conduit/internal/host"
	"github.com/seantiz/conduit/internal/model"
	"github.com/seantiz/conduit/internal/scheduler"
)

// jobsEndpoint is the web-API path jobs are submitted to.
const jobsEndpoint = "/jobs"

// TokenSource returns the cached access token of a host.
type TokenSource interface {
	Token(hostID string) (string, error)
}

type submitRequest struct {
	JobFile string `json:"jobFile"`
}

// submitResponse is the web-API answer to a submission: the scheduler's
// submit status and output as seen on the cluster side.
type submitResponse struct {
	JobID  string `json:"jobId"`
	Code   int    `json:"code"`
	Output string `json:"output"`
}

// JobWebAPI submits tasks through a cluster's HTTP job API and waits for the
// job through the tracker.
type JobWebAPI struct {
	client  *resty.Client
	tokens  TokenSource
	tracker Tracker
	host    *host.Descriptor
	sched   *scheduler.Descriptor
	ctrl    Controller
	logger  *slog.Logger
}

// NewJobWebAPI creates a web-API backend for one executer.
func NewJobWebAPI(tokens TokenSource, tracker Tracker, h *host.Descriptor, sched *scheduler.Descriptor, ctrl Controller, logger *slog.Logger) *JobWebAPI {
	client := resty.New().
		SetBaseURL(h.WebAPIURL).
		SetTimeout(SubmitTimeout).
		SetHeader("Accept", "application/json")
	return &JobWebAPI{
		client:  client,
		tokens:  tokens,
		tracker: tracker,
		host:    h,
		sched:   sched,
		ctrl:    ctrl,
		logger:  logger,
	}
}

// Kind implements Backend.
func (w *JobWebAPI) Kind() Kind { return KindJobWebAPI }

// Execute implements Backend. A missing token fails before any request is
// made, and any non-200 answer is fatal.
func (w *JobWebAPI) Execute(ctx context.Context, t *model.Task) (int, error) {
	token, err := w.tokens.Token(t.RemoteHostID)
	if err != nil {
		submissions.WithLabelValues(KindJobWebAPI.String(), resultFatal).Inc()
		return -1, fmt.Errorf("web api submit for task %s: %w", t.ID, err)
	}

	jobFile := path.Join(t.RemoteWorkingDir, t.Script)
	desc := "POST " + w.host.WebAPIURL + jobsEndpoint + " " + jobFile

	var result submitResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(submitRequest{JobFile: jobFile}).
		SetResult(&result).
		Post(jobsEndpoint)
	if err != nil {
		submissions.WithLabelValues(KindJobWebAPI.String(), resultFatal).Inc()
		return -1, &SubmitError{Cmd: desc, Code: -1, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		submissions.WithLabelValues(KindJobWebAPI.String(), resultFatal).Inc()
		return -1, &SubmitError{Cmd: desc, Code: resp.StatusCode(), Output: resp.String()}
	}

	if w.sched.ExceededLimit(result.Code, result.Output) {
		w.ctrl.Throttle()
		t.ForceRetry = true
		submissions.WithLabelValues(KindJobWebAPI.String(), resultThrottled).Inc()
		w.logger.Warn("scheduler limit exceeded, throttling",
			"task_id", t.ID,
			"host", t.RemoteHostID,
			"rt", result.Code,
		)
		return result.Code, fmt.Errorf("%w: scheduler limit exceeded (rt=%d)", ErrForceRetry, result.Code)
	}
	if result.Code != 0 {
		submissions.WithLabelValues(KindJobWebAPI.String(), resultFatal).Inc()
		return result.Code, &SubmitError{Cmd: desc, Code: result.Code, Output: result.Output}
	}

	w.ctrl.Restore()
	jobID := result.JobID
	if jobID == "" {
		var ok bool
		if jobID, ok = w.sched.JobID(result.Output); !ok {
			submissions.WithLabelValues(KindJobWebAPI.String(), resultFatal).Inc()
			return 0, &SubmitError{Cmd: desc, Output: result.Output, Err: ErrJobIDNotFound}
		}
	}
	submissions.WithLabelValues(KindJobWebAPI.String(), resultOK).Inc()
	return handOff(ctx, w.tracker, t, w.host, w.sched, jobID, w.logger)
}
