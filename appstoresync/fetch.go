package appstoresync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

// categoryRules map report names onto storage categories by substring, first
// match wins. Order matters: "app download discovery" should categorize as
// downloads, not engagement.
var categoryRules = []struct {
	substr   string
	category string
}{
	{"download", CategoryDownloads},
	{"engagement", CategoryEngagement},
	{"discovery", CategoryEngagement},
	{"impression", CategoryEngagement},
	{"session", CategorySessions},
	{"install", CategoryInstalls},
	{"purchase", CategoryPurchases},
	{"subscription", CategoryPurchases},
	{"review", CategoryReviews},
	{"rating", CategoryReviews},
}

func classifyReport(name string) string {
	lower := strings.ToLower(name)
	for _, rule := range categoryRules {
		if strings.Contains(lower, rule.substr) {
			return rule.category
		}
	}
	return CategoryOther
}

// cleanReportName produces a filesystem-safe slug from the report's display
// name.
func cleanReportName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// fetchPipeline walks request -> reports -> instances -> segments and lands
// each decoded segment as a raw CSV artifact partitioned by processing date.
type fetchPipeline struct {
	client *analyticsClient
	store  ObjectStore
	logger *logrus.Logger
}

func newFetchPipeline(client *analyticsClient, store ObjectStore, logger *logrus.Logger) *fetchPipeline {
	return &fetchPipeline{client: client, store: store, logger: logger}
}

// FetchForDate extracts every daily instance matching the processing date.
// Individual segment failures are logged and skipped; the returned error is
// reserved for failures that make the whole extraction moot.
func (p *fetchPipeline) FetchForDate(ctx context.Context, appID, requestID, processingDate string) (FetchResult, error) {
	var result FetchResult

	reports, err := p.client.listReports(ctx, requestID)
	if err != nil {
		if err == ErrNotReady {
			return result, ErrNotReady
		}
		return result, fmt.Errorf("list reports for request %s: %v", requestID, err)
	}

	for _, report := range reports {
		reportName := attrString(report.Attributes, "name", "title")
		if reportName == "" {
			reportName = report.ID
		}
		category := classifyReport(reportName)

		instances, err := p.client.listInstances(ctx, report.ID, "DAILY")
		if err != nil {
			if err == ErrNotReady {
				continue
			}
			config.LogError(p.logger, "appstoresync", "FetchForDate", "list instances", reportName, err)
			continue
		}
		for _, inst := range instances {
			if attrString(inst.Attributes, "processingDate", "processing_date") != processingDate {
				continue
			}
			files, rows := p.fetchInstance(ctx, appID, processingDate, category, reportName, inst.ID)
			result.Files += files
			result.Rows += rows
		}
	}
	return result, nil
}

func (p *fetchPipeline) fetchInstance(ctx context.Context, appID, processingDate, category, reportName, instanceID string) (int, int) {
	segments, err := p.client.listSegments(ctx, instanceID)
	if err != nil {
		config.LogError(p.logger, "appstoresync", "fetchInstance", "list segments", instanceID, err)
		return 0, 0
	}

	files, rows := 0, 0
	for _, seg := range segments {
		n, err := p.landSegment(ctx, appID, processingDate, category, reportName, seg)
		if err != nil {
			config.LogError(p.logger, "appstoresync", "fetchInstance", "land segment", map[string]string{
				"report":  reportName,
				"segment": seg.ID,
			}, err)
			continue
		}
		if n > 0 {
			files++
			rows += n
		}
	}
	return files, rows
}

// landSegment downloads, decodes and stores one segment. Returns the number
// of data rows landed; zero means the segment was empty and skipped.
func (p *fetchPipeline) landSegment(ctx context.Context, appID, processingDate, category, reportName string, seg apiResource) (int, error) {
	downloadURL := attrString(seg.Attributes, "url", "downloadUrl")
	if downloadURL == "" {
		detail, err := p.client.getSegment(ctx, seg.ID)
		if err != nil {
			return 0, fmt.Errorf("resolve segment url: %v", err)
		}
		downloadURL = attrString(detail.Attributes, "url", "downloadUrl")
	}
	if downloadURL == "" {
		return 0, fmt.Errorf("segment %s has no download url", seg.ID)
	}

	raw, err := p.client.downloadSegment(ctx, downloadURL)
	if err != nil {
		return 0, err
	}
	text, err := decodeSegment(raw)
	if err != nil {
		return 0, err
	}

	// Header-only or blank payloads land nothing.
	rows := countDataRows(text)
	if rows == 0 {
		p.logger.WithFields(logrus.Fields{
			"module":   "appstoresync",
			"funcName": "landSegment",
			"report":   reportName,
			"segment":  seg.ID,
		}).Info("segment is empty, skipping")
		return 0, nil
	}

	fileName := fmt.Sprintf("%s_%s.csv", cleanReportName(reportName), seg.ID)
	key := rawObjectKey(category, processingDate, appID, fileName)
	if err := p.store.Put(ctx, key, text, "text/csv"); err != nil {
		return 0, err
	}
	return rows, nil
}

// decodeSegment inflates gzip payloads (sniffed by magic bytes, not headers)
// and normalizes the text to UTF-8, falling back to Latin-1 for the odd
// byte sequence the upstream emits in free-text columns.
func decodeSegment(raw []byte) ([]byte, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %v", err)
		}
		defer zr.Close()
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflate segment: %v", err)
		}
		raw = inflated
	}
	if utf8.Valid(raw) {
		return raw, nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode segment text: %v", err)
	}
	return decoded, nil
}

// countDataRows counts non-empty lines after the header.
func countDataRows(text []byte) int {
	lines := strings.Split(string(text), "\n")
	n := 0
	for i, line := range lines {
		if i == 0 {
			continue
		}
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
