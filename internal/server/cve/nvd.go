package cve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

const (
	nvdBaseURL  = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdPageSize = 2000
	nvdTimeout  = 60 * time.Second
	// nvdMaxWindow is the widest lastModified range the API accepts.
	nvdMaxWindow = 120 * 24 * time.Hour
)

// NVD fetches from the NIST National Vulnerability Database REST API.
type NVD struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewNVD(apiKey string) *NVD {
	return &NVD{
		baseURL: nvdBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: nvdTimeout},
	}
}

func (n *NVD) Name() string { return "nvd" }

// Fetch pages through the API. With a non-zero since only records modified
// after it are requested, clamped to the API's window limit.
func (n *NVD) Fetch(ctx context.Context, since time.Time) ([]Record, error) {
	var out []Record
	start := 0
	for {
		page, total, err := n.fetchPage(ctx, since, start)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		start += nvdPageSize
		if start >= total {
			return out, nil
		}
	}
}

func (n *NVD) fetchPage(ctx context.Context, since time.Time, startIndex int) ([]Record, int, error) {
	q := url.Values{}
	q.Set("resultsPerPage", strconv.Itoa(nvdPageSize))
	q.Set("startIndex", strconv.Itoa(startIndex))
	if !since.IsZero() {
		now := time.Now().UTC()
		if now.Sub(since) > nvdMaxWindow {
			since = now.Add(-nvdMaxWindow)
		}
		q.Set("lastModStartDate", since.UTC().Format("2006-01-02T15:04:05.000Z"))
		q.Set("lastModEndDate", now.Format("2006-01-02T15:04:05.000Z"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build nvd request: %w", err)
	}
	if n.apiKey != "" {
		req.Header.Set("apiKey", n.apiKey)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, 0, faults.Wrap(faults.DependencyFailed, "nvd request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, faults.Newf(faults.DependencyFailed, "nvd returned %s", resp.Status)
	}

	var body nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, faults.Wrap(faults.DependencyFailed, "failed to decode nvd response", err)
	}

	records := make([]Record, 0, len(body.Vulnerabilities))
	for _, v := range body.Vulnerabilities {
		rec, ok := v.CVE.toRecord()
		if ok {
			records = append(records, rec)
		}
	}
	return records, body.TotalResults, nil
}

// --- NVD wire format, reduced to the fields we keep ---

type nvdResponse struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	LastModified string `json:"lastModified"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		V31 []nvdMetric `json:"cvssMetricV31"`
		V30 []nvdMetric `json:"cvssMetricV30"`
		V2  []nvdMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Configurations []json.RawMessage `json:"configurations"`
}

type nvdMetric struct {
	CvssData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
	BaseSeverity string `json:"baseSeverity"`
}

func (c nvdCVE) toRecord() (Record, bool) {
	if c.ID == "" {
		return Record{}, false
	}
	rec := Record{CveID: c.ID}

	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			rec.Summary = d.Value
			break
		}
	}
	rec.Published = parseNVDTime(c.Published)
	rec.Modified = parseNVDTime(c.LastModified)

	// Highest available CVSS version wins.
	metrics := c.Metrics.V31
	if len(metrics) == 0 {
		metrics = c.Metrics.V30
	}
	if len(metrics) == 0 {
		metrics = c.Metrics.V2
	}
	if len(metrics) > 0 {
		m := metrics[0]
		rec.Score = m.CvssData.BaseScore
		rec.Severity = m.CvssData.BaseSeverity
		if rec.Severity == "" {
			rec.Severity = m.BaseSeverity
		}
	}

	if len(c.Configurations) > 0 {
		if blob, err := json.Marshal(c.Configurations); err == nil {
			rec.AffectedJSON = string(blob)
		}
	}
	return rec, true
}

func parseNVDTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
