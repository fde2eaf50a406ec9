// Package loki pushes log entries to Grafana Loki. The notification worker uses it as the delivery sink
// for security alerts.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"campus-auth/backend/internal/platform/dependency"
)

const defaultJob = "campus-auth"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values we produce.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Client pushes to one Loki instance.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
}

// NewClient returns a Client for baseURL (e.g. http://localhost:3100). httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), job: defaultJob, http: httpClient}
}

// alertFields are the parts of a notification event used for stream labels and the timestamp.
type alertFields struct {
	Type       string `json:"type"`
	Decision   string `json:"decision"`
	OccurredAt string `json:"occurredAt"`
}

// PushAlertJSON pushes a notification event (the Kafka message value) as one log line, labelled by
// event type and decision. Unparseable payloads are pushed unlabelled at the current time.
// Account ids stay in the line, not in labels, to keep stream cardinality bounded.
func (c *Client) PushAlertJSON(ctx context.Context, raw []byte) error {
	labels := map[string]string{}
	ts := time.Now().UTC()
	var f alertFields
	if err := json.Unmarshal(raw, &f); err == nil {
		if f.Type != "" {
			labels["event_type"] = f.Type
		}
		if f.Decision != "" {
			labels["decision"] = f.Decision
		}
		if t, err := time.Parse(time.RFC3339Nano, f.OccurredAt); err == nil {
			ts = t
		}
	}
	return c.Push(ctx, ts, string(raw), labels)
}

// Push sends a single log line with labels. Returns an error wrapping dependency.ErrUnavailable if the
// request fails or Loki answers non-2xx.
func (c *Client) Push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	if c.baseURL == "" {
		return fmt.Errorf("loki: base URL is empty")
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = c.job
	for k, v := range labels {
		if sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	payload, err := json.Marshal(PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return dependency.Unavailable("loki", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dependency.Unavailable("loki", fmt.Errorf("push returned %s", resp.Status))
	}
	return nil
}
