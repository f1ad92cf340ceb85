package appstoresync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// completionDetector polls a report request until its data is ready. The
// upstream does not always expose a status field, so when none is present
// readiness falls back to probing for at least one report instance.
type completionDetector struct {
	client       *analyticsClient
	store        ObjectStore
	logger       *logrus.Logger
	maxPolls     int
	pollInterval time.Duration
}

func newCompletionDetector(client *analyticsClient, store ObjectStore, logger *logrus.Logger, maxPolls int, pollInterval time.Duration) *completionDetector {
	if maxPolls <= 0 {
		maxPolls = 20
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &completionDetector{
		client:       client,
		store:        store,
		logger:       logger,
		maxPolls:     maxPolls,
		pollInterval: pollInterval,
	}
}

// WaitUntilReady returns (true, nil) once the request's data can be fetched,
// (false, nil) when the poll budget runs out without a verdict, and
// (false, ErrUpstreamFailure) when the upstream marks the request FAILED.
func (d *completionDetector) WaitUntilReady(ctx context.Context, requestID string) (bool, error) {
	for poll := 0; poll < d.maxPolls; poll++ {
		if poll > 0 {
			if err := sleepCtx(ctx, d.pollInterval); err != nil {
				return false, err
			}
		}

		resp, err := d.client.getReportRequest(ctx, requestID, defaultRetryPolicy())
		if err != nil {
			return false, err
		}
		if resp.StatusCode == http.StatusNotFound {
			// Freshly created requests can 404 briefly before they
			// become visible.
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return false, fmt.Errorf("poll request %s: api error %d: %s", requestID, resp.StatusCode, truncateBody(resp.Body))
		}

		res, derr := resp.decodeOne()
		if derr != nil {
			return false, derr
		}
		status := attrString(res.Attributes, statusAliases...)
		if status != "" {
			recordStateTransition(ctx, d.store, requestID, status)
		}

		switch status {
		case "COMPLETED":
			return true, nil
		case "FAILED":
			return false, fmt.Errorf("%w: request %s", ErrUpstreamFailure, requestID)
		case "":
			// No status field in this API revision; probe for data.
			ready, perr := d.probeInstances(ctx, requestID)
			if perr != nil {
				return false, perr
			}
			if ready {
				return true, nil
			}
		default:
			// PROCESSING, SCHEDULED, or something new; keep waiting.
			d.logger.WithFields(logrus.Fields{
				"module":    "appstoresync",
				"funcName":  "WaitUntilReady",
				"requestId": requestID,
				"status":    status,
				"poll":      poll + 1,
			}).Info("report request not ready yet")
		}
	}
	return false, nil
}

// probeInstances treats the presence of at least one instance on any report
// as the readiness signal.
func (d *completionDetector) probeInstances(ctx context.Context, requestID string) (bool, error) {
	reports, err := d.client.listReports(ctx, requestID)
	if err != nil {
		if err == ErrNotReady {
			return false, nil
		}
		return false, err
	}
	for _, report := range reports {
		instances, err := d.client.listInstances(ctx, report.ID, "")
		if err != nil {
			if err == ErrNotReady {
				continue
			}
			return false, err
		}
		if len(instances) > 0 {
			return true, nil
		}
	}
	return false, nil
}
