package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vyvo/bundlecdn/pkg/api"
	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// Watch follows the status event stream of key, calling fn for every state
// the server reports. It returns when the stream ends, fn fails or ctx is
// cancelled.
func (c *Client) Watch(ctx context.Context, key bundle.Key, fn func(bundle.BuildState) error) error {
	endpoint := c.publicURL + api.PathEvents + "?key=" + url.QueryEscape(string(key))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create watch request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default request timeout.
	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(httpReq)
	if err != nil {
		return fmt.Errorf("watch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch status: %w", responseError(resp))
	}

	return ReadEvents(resp.Body, func(payload json.RawMessage) error {
		var state bundle.BuildState
		if err := json.Unmarshal(payload, &state); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
		return fn(state)
	})
}

// maxEventLine bounds a single line of the event stream.
const maxEventLine = 1 << 20

// Event is one server-sent event. Data joins the event's data lines with
// newlines.
type Event struct {
	Name string
	Data json.RawMessage
}

// ReadEvents reads server-sent events from body, invoking eventFn with the
// data of each event that carries any. A final event without a trailing
// blank line is still delivered.
func ReadEvents(body io.Reader, eventFn func(json.RawMessage) error) error {
	return ScanEvents(body, func(ev Event) error { return eventFn(ev.Data) })
}

// ScanEvents reads server-sent events from body. Comment lines and events
// without data are skipped.
func ScanEvents(body io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLine)

	var (
		name string
		data []string
	)
	flush := func() error {
		defer func() { name, data = "", data[:0] }()
		if len(data) == 0 {
			return nil
		}
		return fn(Event{Name: name, Data: json.RawMessage(strings.Join(data, "\n"))})
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if strings.TrimSpace(value) != "" {
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return flush()
}
