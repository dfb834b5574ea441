package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 1 << 20

// postJSON issues a POST with a JSON body and returns the raw response. The
// caller owns resp.Body. Transport failures come back as classified provider
// errors; HTTP error statuses are left to the caller so streaming and
// non-streaming paths can read the body differently.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = defaultHTTPClient
	}
	return client.Do(req)
}

// statusError drains the error body of a non-2xx response and builds a
// classified error, decoding the Anthropic and OpenAI error envelopes.
func statusError(provider, model string, resp *http.Response) *Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	e := NewError(provider, model, nil).WithStatus(resp.StatusCode)
	e.RetryAfter = parseRetryAfter(resp.Header)
	if id := resp.Header.Get("x-request-id"); id != "" {
		e.RequestID = id
	} else if id := resp.Header.Get("request-id"); id != "" {
		e.RequestID = id
	}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Error.Message != "":
			e.Message = envelope.Error.Message
			if envelope.Error.Code != "" {
				e.Code = envelope.Error.Code
			} else {
				e.Code = envelope.Error.Type
			}
		case envelope.Message != "":
			e.Message = envelope.Message
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// readSSE reads Server-Sent Events frames, invoking onFrame with the event
// name (may be empty) and joined data payload. Returns when the stream ends
// or onFrame returns a non-nil error.
func readSSE(r io.Reader, onFrame func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2<<20)

	var event string
	var dataLines []string
	flush := func() error {
		if len(dataLines) == 0 {
			event = ""
			return nil
		}
		err := onFrame(event, []byte(strings.Join(dataLines, "\n")))
		event = ""
		dataLines = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}

// errDone signals normal stream termination to readSSE callers.
var errDone = fmt.Errorf("done")
