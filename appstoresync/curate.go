package appstoresync

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

type columnSpec struct {
	name     string
	aliases  []string
	required bool
}

// categorySpec describes how one category's raw TSV rows become curated
// facts: which columns form the dimensional key, which are summed, and
// which aggregated rows are kept at all.
type categorySpec struct {
	dimensions []columnSpec
	metrics    []columnSpec
	include    func(dims map[string]string, mets map[string]decimal.Decimal) bool
}

var dateAliases = []string{"Date", "Report Date"}

var categorySpecs = map[string]categorySpec{
	CategoryDownloads: {
		dimensions: []columnSpec{
			{name: "date", aliases: dateAliases, required: true},
			{name: "app_name", aliases: []string{"App Name"}},
			{name: "app_id", aliases: []string{"App Apple Identifier", "App Apple ID"}},
			{name: "download_type", aliases: []string{"Download Type"}},
			{name: "source_type", aliases: []string{"Source Type"}},
			{name: "territory", aliases: []string{"Territory", "Country or Region"}},
			{name: "device", aliases: []string{"Device"}},
			{name: "platform_version", aliases: []string{"Platform Version"}},
			{name: "page_type", aliases: []string{"Page Type"}},
		},
		metrics: []columnSpec{
			{name: "total_downloads", aliases: []string{"Counts", "Total Downloads"}, required: true},
		},
		// Auto-update and restore traffic is not demand; only true
		// acquisitions count.
		include: func(dims map[string]string, mets map[string]decimal.Decimal) bool {
			dt := dims["download_type"]
			return dt == "First-time download" || dt == "Redownload"
		},
	},
	CategoryEngagement: {
		dimensions: []columnSpec{
			{name: "date", aliases: dateAliases, required: true},
			{name: "app_name", aliases: []string{"App Name"}},
			{name: "app_id", aliases: []string{"App Apple Identifier", "App Apple ID"}},
			{name: "event", aliases: []string{"Event"}},
			{name: "source_type", aliases: []string{"Source Type"}},
			{name: "page_type", aliases: []string{"Page Type", "Page Title"}},
			{name: "territory", aliases: []string{"Territory", "Country or Region"}},
			{name: "device", aliases: []string{"Device"}},
			{name: "platform_version", aliases: []string{"Platform Version"}},
		},
		metrics: []columnSpec{
			{name: "counts", aliases: []string{"Counts", "Impressions"}, required: true},
			{name: "unique_counts", aliases: []string{"Unique Counts", "Unique Devices"}},
		},
		include: func(dims map[string]string, mets map[string]decimal.Decimal) bool {
			return mets["counts"].IsPositive() || mets["unique_counts"].IsPositive()
		},
	},
	CategorySessions: {
		dimensions: []columnSpec{
			{name: "date", aliases: dateAliases, required: true},
			{name: "app_name", aliases: []string{"App Name"}},
			{name: "app_id", aliases: []string{"App Apple Identifier", "App Apple ID"}},
			{name: "app_version", aliases: []string{"App Version"}},
			{name: "device", aliases: []string{"Device"}},
			{name: "platform_version", aliases: []string{"Platform Version"}},
			{name: "source_type", aliases: []string{"Source Type"}},
			{name: "territory", aliases: []string{"Territory", "Country or Region"}},
		},
		metrics: []columnSpec{
			{name: "sessions", aliases: []string{"Sessions", "Counts"}, required: true},
			{name: "total_session_duration", aliases: []string{"Total Session Duration"}},
			{name: "unique_devices", aliases: []string{"Unique Devices"}},
		},
		include: func(dims map[string]string, mets map[string]decimal.Decimal) bool {
			return mets["sessions"].IsPositive()
		},
	},
	CategoryInstalls: {
		dimensions: []columnSpec{
			{name: "date", aliases: dateAliases, required: true},
			{name: "app_name", aliases: []string{"App Name"}},
			{name: "app_id", aliases: []string{"App Apple Identifier", "App Apple ID"}},
			{name: "event", aliases: []string{"Event"}},
			{name: "download_type", aliases: []string{"Download Type"}},
			{name: "app_version", aliases: []string{"App Version"}},
			{name: "device", aliases: []string{"Device"}},
			{name: "platform_version", aliases: []string{"Platform Version"}},
			{name: "source_type", aliases: []string{"Source Type"}},
			{name: "territory", aliases: []string{"Territory", "Country or Region"}},
		},
		metrics: []columnSpec{
			{name: "counts", aliases: []string{"Counts"}, required: true},
			{name: "unique_devices", aliases: []string{"Unique Devices"}},
		},
		// Deletions are tracked upstream in the same report; curated
		// installs keep install events only.
		include: func(dims map[string]string, mets map[string]decimal.Decimal) bool {
			return dims["event"] == "Install"
		},
	},
	CategoryPurchases: {
		dimensions: []columnSpec{
			{name: "date", aliases: dateAliases, required: true},
			{name: "app_name", aliases: []string{"App Name"}},
			{name: "app_id", aliases: []string{"App Apple Identifier", "App Apple ID"}},
			{name: "purchase_type", aliases: []string{"Purchase Type"}},
			{name: "content_name", aliases: []string{"Content Name", "Content"}},
			{name: "payment_method", aliases: []string{"Payment Method"}},
			{name: "device", aliases: []string{"Device"}},
			{name: "platform_version", aliases: []string{"Platform Version"}},
			{name: "source_type", aliases: []string{"Source Type"}},
			{name: "territory", aliases: []string{"Territory", "Country or Region"}},
		},
		metrics: []columnSpec{
			{name: "purchases", aliases: []string{"Purchases", "Counts"}, required: true},
			{name: "proceeds_usd", aliases: []string{"Proceeds in USD", "Proceeds USD", "Proceeds"}},
			{name: "sales_usd", aliases: []string{"Sales in USD", "Sales USD", "Sales"}},
			{name: "paying_users", aliases: []string{"Paying Users"}},
		},
		// Refund rows carry negative amounts and must survive so the
		// curated totals net out; only all-zero rows are noise.
		include: func(dims map[string]string, mets map[string]decimal.Decimal) bool {
			return !mets["purchases"].IsZero() || !mets["proceeds_usd"].IsZero()
		},
	},
}

// curateRow is one raw fact tagged with the processing date it arrived
// under. Metric values align with the category's metric specs by position.
type curateRow struct {
	dims           []string
	mets           []decimal.Decimal
	processingDate string
}

func (r curateRow) dimKey() string {
	return strings.Join(r.dims, "\x1f")
}

// curator rebuilds the curated view of one (category, app, metric date)
// from every processing-date cohort inside the lookback window.
type curator struct {
	store  ObjectStore
	logger *logrus.Logger
}

func newCurator(store ObjectStore, logger *logrus.Logger) *curator {
	return &curator{store: store, logger: logger}
}

// Reconcile merges the cohorts for metricDate and fully replaces the
// curated object. Later processing dates revise earlier ones: for each
// dimensional key only the rows from the freshest cohort that observed that
// key are kept, then summed. Returns the number of curated rows written;
// zero rows writes nothing.
func (c *curator) Reconcile(ctx context.Context, category, appID, metricDate string, lookbackDays int) (int, error) {
	spec, ok := categorySpecs[category]
	if !ok {
		return 0, fmt.Errorf("no curation spec for category %q", category)
	}
	day, err := time.Parse("2006-01-02", metricDate)
	if err != nil {
		return 0, fmt.Errorf("bad metric date %q: %v", metricDate, err)
	}
	if lookbackDays < 0 {
		lookbackDays = 0
	}

	var rows []curateRow
	seen := map[string]bool{}
	for offset := 0; offset <= lookbackDays; offset++ {
		pd := day.AddDate(0, 0, offset).Format("2006-01-02")
		keys, err := c.store.List(ctx, rawPrefix(category, pd, appID))
		if err != nil {
			return 0, fmt.Errorf("list raw artifacts for %s/%s: %v", category, pd, err)
		}
		for _, key := range keys {
			if !strings.HasSuffix(key, ".csv") || isDetailedVariant(key) {
				continue
			}
			raw, err := c.store.Get(ctx, key)
			if err != nil {
				config.LogError(c.logger, "appstoresync", "Reconcile", "read raw artifact", key, err)
				continue
			}
			fileRows, err := parseRawFile(raw, spec, metricDate, pd)
			if err != nil {
				if errors.Is(err, ErrSchemaMismatch) {
					c.logger.WithFields(logrus.Fields{
						"module":   "appstoresync",
						"funcName": "Reconcile",
						"key":      key,
					}).Warn("raw file missing required columns, skipping")
					continue
				}
				return 0, fmt.Errorf("parse %s: %v", key, err)
			}
			for _, row := range fileRows {
				// Overlapping window files within a cohort repeat
				// rows verbatim; count each distinct fact once.
				dup := row.processingDate + "\x1f" + row.dimKey() + "\x1f" + metsKey(row.mets)
				if seen[dup] {
					continue
				}
				seen[dup] = true
				rows = append(rows, row)
			}
		}
	}

	curated := mergeCohorts(rows, spec)
	if len(curated) == 0 {
		return 0, nil
	}

	out, err := renderCuratedCSV(curated, spec)
	if err != nil {
		return 0, err
	}
	key := curatedObjectKey(category, metricDate, appID)
	if err := c.store.Put(ctx, key, out, "text/csv"); err != nil {
		return 0, err
	}
	return len(curated), nil
}

// isDetailedVariant filters out the attributed "detailed" report flavors;
// curation works off the standard variants only, so the same fact is never
// double-counted across flavors.
func isDetailedVariant(key string) bool {
	return strings.Contains(strings.ToLower(path.Base(key)), "detailed")
}

// parseRawFile extracts the rows of one TSV artifact that describe
// metricDate. Columns are resolved by alias; a file missing any required
// column is rejected with ErrSchemaMismatch.
func parseRawFile(raw []byte, spec categorySpec, metricDate, processingDate string) ([]curateRow, error) {
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, nil
	}
	resolver := newFieldResolver(strings.Split(lines[0], "\t"))

	dimIdx := make([]int, len(spec.dimensions))
	for i, d := range spec.dimensions {
		idx, ok := resolver.lookup(d.aliases...)
		if !ok {
			if d.required {
				return nil, ErrSchemaMismatch
			}
			idx = -1
		}
		dimIdx[i] = idx
	}
	metIdx := make([]int, len(spec.metrics))
	for i, m := range spec.metrics {
		idx, ok := resolver.lookup(m.aliases...)
		if !ok {
			if m.required {
				return nil, ErrSchemaMismatch
			}
			idx = -1
		}
		metIdx[i] = idx
	}
	dateIdx := dimIdx[0]

	var rows []curateRow
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := strings.Split(line, "\t")
		if dateIdx >= len(cells) || strings.TrimSpace(cells[dateIdx]) != metricDate {
			continue
		}
		row := curateRow{
			dims:           make([]string, len(spec.dimensions)),
			mets:           make([]decimal.Decimal, len(spec.metrics)),
			processingDate: processingDate,
		}
		for i, idx := range dimIdx {
			if idx >= 0 && idx < len(cells) {
				row.dims[i] = strings.TrimSpace(cells[idx])
			}
		}
		for i, idx := range metIdx {
			if idx >= 0 && idx < len(cells) {
				row.mets[i] = parseMetric(cells[idx])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseMetric(s string) decimal.Decimal {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func metsKey(mets []decimal.Decimal) string {
	parts := make([]string, len(mets))
	for i, m := range mets {
		parts[i] = m.String()
	}
	return strings.Join(parts, "\x1f")
}

// mergeCohorts applies the revision rule and aggregates. For each
// dimensional key, only rows from the freshest processing date that
// observed the key survive; those are then summed into one fact, and the
// category's inclusion rule prunes the result.
func mergeCohorts(rows []curateRow, spec categorySpec) []curateRow {
	freshest := map[string]string{}
	for _, row := range rows {
		k := row.dimKey()
		if row.processingDate > freshest[k] {
			freshest[k] = row.processingDate
		}
	}

	sums := map[string]*curateRow{}
	var order []string
	for _, row := range rows {
		k := row.dimKey()
		if row.processingDate != freshest[k] {
			continue
		}
		if agg, ok := sums[k]; ok {
			for i := range agg.mets {
				agg.mets[i] = agg.mets[i].Add(row.mets[i])
			}
			continue
		}
		cp := curateRow{
			dims:           row.dims,
			mets:           append([]decimal.Decimal(nil), row.mets...),
			processingDate: row.processingDate,
		}
		sums[k] = &cp
		order = append(order, k)
	}

	sort.Strings(order)
	out := make([]curateRow, 0, len(order))
	for _, k := range order {
		row := sums[k]
		if spec.include != nil && !spec.include(dimMap(spec, row.dims), metMap(spec, row.mets)) {
			continue
		}
		out = append(out, *row)
	}
	return out
}

func dimMap(spec categorySpec, dims []string) map[string]string {
	m := make(map[string]string, len(dims))
	for i, d := range spec.dimensions {
		m[d.name] = dims[i]
	}
	return m
}

func metMap(spec categorySpec, mets []decimal.Decimal) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(mets))
	for i, spec := range spec.metrics {
		m[spec.name] = mets[i]
	}
	return m
}

func renderCuratedCSV(rows []curateRow, spec categorySpec) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := make([]string, 0, len(spec.dimensions)+len(spec.metrics)+1)
	for _, d := range spec.dimensions {
		header = append(header, d.name)
	}
	for _, m := range spec.metrics {
		header = append(header, m.name)
	}
	header = append(header, "processing_date")
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, row := range rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, row.dims...)
		for _, m := range row.mets {
			rec = append(rec, m.String())
		}
		rec = append(rec, row.processingDate)
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
