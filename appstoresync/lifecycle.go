package appstoresync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

// statusAliases are the attribute names a request's processing state may
// hide under across API revisions.
var statusAliases = []string{"status", "state", "processingState"}

// requestLifecycle resolves the one report request an app needs, creating it
// upstream only when the registry and discovery both come up empty.
type requestLifecycle struct {
	client     *analyticsClient
	registry   RegistryStore
	store      ObjectStore
	logger     *logrus.Logger
	maxAgeDays int
}

func newRequestLifecycle(client *analyticsClient, registry RegistryStore, store ObjectStore, logger *logrus.Logger) *requestLifecycle {
	return &requestLifecycle{
		client:     client,
		registry:   registry,
		store:      store,
		logger:     logger,
		maxAgeDays: defaultMaxEntryAgeDays,
	}
}

// GetOrCreate returns a usable request id for the app. A trusted registry
// hit costs zero network calls. Stale entries are verified; missing ones go
// through discovery before a create is attempted, so repeated runs never
// pile up duplicate requests upstream.
func (l *requestLifecycle) GetOrCreate(ctx context.Context, appID string, mode AccessMode, dr *DateRange) (string, error) {
	entry, err := l.registry.Lookup(ctx, appID, mode, dr)
	if err != nil {
		return "", err
	}
	if Trustable(entry, l.maxAgeDays) {
		return entry.RequestId, nil
	}
	if entry != nil && entry.RequestId != "" {
		ok, err := l.verify(ctx, entry)
		if err != nil {
			return "", err
		}
		if ok {
			return entry.RequestId, nil
		}
	}

	if id, err := l.discover(ctx, appID, mode, dr); err == nil && id != "" {
		return id, nil
	} else if err != nil {
		return "", err
	}

	return l.create(ctx, appID, mode, dr)
}

// verify checks a stale registry entry against the API. A 200 confirms it,
// a 429 means it could not be disproven so it stays trusted, and a 404
// evicts it so discovery can take over.
func (l *requestLifecycle) verify(ctx context.Context, entry *RegistryEntry) (bool, error) {
	resp, err := l.client.getReportRequest(ctx, entry.RequestId, verifyRetryPolicy())
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		now := time.Now().UTC()
		entry.LastVerified = &now
		if res, derr := resp.decodeOne(); derr == nil {
			if st := attrString(res.Attributes, statusAliases...); st != "" {
				entry.Status = st
				recordStateTransition(ctx, l.store, entry.RequestId, st)
			}
		}
		if err := l.registry.Save(ctx, *entry); err != nil {
			config.LogError(l.logger, "appstoresync", "verify", "persist verified entry", entry.AppId, err)
		}
		return true, nil
	case http.StatusTooManyRequests:
		// Could not disprove the entry; keep using it rather than
		// burning more budget on a create.
		return true, nil
	case http.StatusNotFound:
		if err := l.registry.Remove(ctx, entry.AppId, entry.AccessMode, &DateRange{StartDate: entry.StartDate, EndDate: entry.EndDate}); err != nil {
			config.LogError(l.logger, "appstoresync", "verify", "evict dead entry", entry.AppId, err)
		}
		return false, nil
	default:
		return false, nil
	}
}

// discover lists the app's existing requests and adopts one matching the
// wanted access mode. Returns "" when nothing matches.
func (l *requestLifecycle) discover(ctx context.Context, appID string, mode AccessMode, dr *DateRange) (string, error) {
	resources, err := l.client.listReportRequests(ctx, appID)
	if err != nil {
		return "", fmt.Errorf("%w: discovery for app %s: %v", ErrUnavailable, appID, err)
	}
	for _, res := range resources {
		if attrString(res.Attributes, "accessType") != string(mode) {
			continue
		}
		if attrBool(res.Attributes, "stoppedDueToInactivity") {
			continue
		}
		l.persist(ctx, appID, mode, dr, res.ID, attrString(res.Attributes, statusAliases...))
		return res.ID, nil
	}
	return "", nil
}

// create registers a new request upstream. A 409 means someone else created
// one between our discovery and the POST, so discovery is retried once.
func (l *requestLifecycle) create(ctx context.Context, appID string, mode AccessMode, dr *DateRange) (string, error) {
	resp, err := l.client.createReportRequest(ctx, appID, mode)
	if err != nil {
		return "", fmt.Errorf("%w: create for app %s: %v", ErrUnavailable, appID, err)
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		res, derr := resp.decodeOne()
		if derr != nil || res.ID == "" {
			return "", fmt.Errorf("%w: create for app %s returned undecodable body", ErrUnavailable, appID)
		}
		l.persist(ctx, appID, mode, dr, res.ID, attrString(res.Attributes, statusAliases...))
		return res.ID, nil
	case http.StatusConflict:
		id, derr := l.discover(ctx, appID, mode, dr)
		if derr != nil {
			return "", derr
		}
		if id == "" {
			return "", fmt.Errorf("%w: conflict on create for app %s but discovery found nothing", ErrUnavailable, appID)
		}
		return id, nil
	case http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: create for app %s: %v", ErrUnavailable, appID, ErrRateLimited)
	default:
		return "", fmt.Errorf("%w: create for app %s failed with %d: %s", ErrUnavailable, appID, resp.StatusCode, truncateBody(resp.Body))
	}
}

func (l *requestLifecycle) persist(ctx context.Context, appID string, mode AccessMode, dr *DateRange, requestID, status string) {
	entry := RegistryEntry{
		AppId:      appID,
		AccessMode: mode,
		RequestId:  requestID,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
	if dr != nil {
		entry.StartDate = dr.StartDate
		entry.EndDate = dr.EndDate
	}
	if status != "" {
		recordStateTransition(ctx, l.store, requestID, status)
	}
	if err := l.registry.Save(ctx, entry); err != nil {
		config.LogError(l.logger, "appstoresync", "persist", "save registry entry", appID, err)
	}
}
