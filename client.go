package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const controlTimeout = 10 * time.Second

// BridgeClient talks to a running bridge: control-plane calls and the
// SSE status stream.
type BridgeClient struct {
	baseURL string
	http    *http.Client
}

// NewBridgeClient returns a client for the bridge at baseURL. The HTTP
// client has no timeout of its own since the status stream never ends;
// control calls are bounded by controlTimeout instead.
func NewBridgeClient(baseURL string) *BridgeClient {
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

func (c *BridgeClient) control(ctx context.Context, path string, body interface{}) (*controlResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	var r controlResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("bridge %s: %s: %w", path, resp.Status, err)
	}
	if !r.Success {
		return &r, fmt.Errorf("bridge %s: %s", path, r.Message)
	}
	return &r, nil
}

// SetMode switches the bridge to m.
func (c *BridgeClient) SetMode(ctx context.Context, m Mode) error {
	_, err := c.control(ctx, "/mode", struct {
		Mode Mode `json:"mode"`
	}{m})
	return err
}

// StartEnrollment puts the bridge in ENROLLMENT and starts enrolling id.
func (c *BridgeClient) StartEnrollment(ctx context.Context, id int) error {
	_, err := c.control(ctx, "/enroll/start", fingerprintRequest{FingerprintID: &id})
	return err
}

// CancelEnrollment aborts enrollment and returns the bridge to ATTENDANCE.
func (c *BridgeClient) CancelEnrollment(ctx context.Context) error {
	_, err := c.control(ctx, "/enroll/cancel", nil)
	return err
}

// StartScan readies the bridge for a scan.
func (c *BridgeClient) StartScan(ctx context.Context) error {
	_, err := c.control(ctx, "/scan/start", nil)
	return err
}

// Subscribe opens the status stream. The returned channel is closed when
// the stream ends or ctx is done.
func (c *BridgeClient) Subscribe(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("bridge stream: %s", resp.Status)
	}

	out := make(chan Event, subscriberQueue)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// readSSE parses server-sent events from r until it ends. Only the data
// field is used; comments and other fields are skipped.
func readSSE(ctx context.Context, r io.Reader, out chan<- Event) {
	sc := bufio.NewScanner(r)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &e); err != nil {
				flowLogger.Warningf("undecodable event: %v", err)
			} else {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
			data = data[:0]
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
}
