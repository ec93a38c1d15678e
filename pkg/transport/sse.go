package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SSETransport posts requests as JSON and reads the answer as a server-sent event stream whose
// data lines are JSON fragments, terminated by "[DONE]" or the end of the body.
type SSETransport struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

type SSEOption func(*SSETransport)

func WithHTTPClient(client *http.Client) SSEOption {
	return func(t *SSETransport) {
		t.client = client
	}
}

func WithHeader(key, value string) SSEOption {
	return func(t *SSETransport) {
		t.headers[key] = value
	}
}

func NewSSETransport(endpoint string, options ...SSEOption) *SSETransport {
	ret := &SSETransport{
		endpoint: endpoint,
		client:   http.DefaultClient,
		headers:  map[string]string{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (t *SSETransport) Send(ctx context.Context, req *SendRequest) (FragmentStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	log.Debug().
		Str("endpoint", t.endpoint).
		Str("trigger", string(req.Trigger)).
		Int("messages", len(req.Messages)).
		Msg("sending chat request")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}

	return newSSEStream(ctx, resp.Body), nil
}

type sseStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
	count  int
}

func newSSEStream(ctx context.Context, body io.ReadCloser) *sseStream {
	return &sseStream{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Recv reads events until one carries a fragment. An event that does not decode ends the stream
// with ErrMalformedFragment. Fragments of unknown types are passed through.
func (s *sseStream) Recv() (events.Fragment, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		data, err := s.readEvent()
		if err != nil && err != io.EOF {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if err == io.EOF {
			s.done = true
		}
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			continue
		}

		f, parseErr := events.NewFragmentFromJSON(data)
		if parseErr != nil {
			log.Debug().Err(parseErr).Str("data", string(data)).Msg("Failed to parse SSE event")
			s.done = true
			return nil, errors.Wrapf(ErrMalformedFragment, "event %d: %v", s.count+1, parseErr)
		}
		s.count++
		log.Trace().
			Str("fragment_type", string(f.Type())).
			Int("event_number", s.count).
			Msg("Parsed streaming event")
		return f, nil
	}
}

// readEvent accumulates lines up to the blank line ending an event and returns its data.
func (s *sseStream) readEvent() ([]byte, error) {
	var lines [][]byte
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil || len(lines) > 0 {
				return parseSSEData(lines), err
			}
			continue
		}
		lines = append(lines, line)
		if err != nil {
			return parseSSEData(lines), err
		}
	}
}

// parseSSEData joins the data fields of an event. Comments and other fields are ignored.
func parseSSEData(lines [][]byte) []byte {
	var data [][]byte
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r\n")
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found || !bytes.Equal(field, []byte("data")) {
			continue
		}
		data = append(data, bytes.TrimPrefix(value, []byte(" ")))
	}
	return bytes.Join(data, []byte("\n"))
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

var _ Transport = (*SSETransport)(nil)
