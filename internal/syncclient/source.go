package syncclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/adbatch/internal/events"
	"github.com/kiranshivaraju/adbatch/pkg/models"
)

const (
	ownerHeader     = "X-Owner-ID"
	listLimit       = 200
	streamBuffer    = 64
	maxEventLine    = 1 << 20
	defaultMinRetry = 500 * time.Millisecond
	defaultMaxRetry = 30 * time.Second
)

var ErrSource = errors.New("sync source request failed")

var (
	_ JobFetcher        = (*HTTPSource)(nil)
	_ events.Subscriber = (*HTTPSource)(nil)
)

// HTTPSource reads jobs and gallery images from the API and follows the owner's
// server-sent event stream, reconnecting with exponential backoff.
type HTTPSource struct {
	baseURL  string
	client   *http.Client
	stream   *http.Client
	minRetry time.Duration
	maxRetry time.Duration
	logger   *slog.Logger
}

// NewHTTPSource creates a source for the API at baseURL. A nil client selects one with
// a 30s timeout; the event stream always uses a client without a timeout.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		stream:   &http.Client{Transport: client.Transport},
		minRetry: defaultMinRetry,
		maxRetry: defaultMaxRetry,
		logger:   slog.Default().With("component", "syncclient.source"),
	}
}

// WithRetry overrides the reconnect backoff bounds.
func (s *HTTPSource) WithRetry(minWait, maxWait time.Duration) *HTTPSource {
	s.minRetry, s.maxRetry = minWait, maxWait
	return s
}

// FetchJobs implements JobFetcher.
func (s *HTTPSource) FetchJobs(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := s.getJSON(ctx, ownerID, "/api/v1/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// FetchGallery loads the owner's surfaced images. It has the Loader signature.
func (s *HTTPSource) FetchGallery(ctx context.Context, ownerID uuid.UUID) ([]*models.GalleryImage, error) {
	var images []*models.GalleryImage
	if err := s.getJSON(ctx, ownerID, "/api/v1/gallery", &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, ownerID uuid.UUID, path string, out any) error {
	q := url.Values{"limit": {fmt.Sprint(listLimit)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(ownerHeader, ownerID.String())
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: GET %s: %v", ErrSource, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: GET %s returned %d", ErrSource, path, resp.StatusCode)
	}

	env := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrSource, path, err)
	}
	return nil
}

// Subscribe implements events.Subscriber over GET /api/v1/events. The first connection
// is made before Subscribe returns. After any later reconnect a ChangeResync event is
// delivered so the consumer refetches. The channel closes when ctx ends.
func (s *HTTPSource) Subscribe(ctx context.Context, ownerID uuid.UUID) (<-chan events.Event, error) {
	body, err := s.connect(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	out := make(chan events.Event, streamBuffer)
	go func() {
		defer close(out)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.minRetry
		b.MaxInterval = s.maxRetry
		b.MaxElapsedTime = 0

		for {
			delivered := s.read(ctx, ownerID, body, out)
			body.Close()
			if ctx.Err() != nil {
				return
			}
			if delivered {
				b.Reset()
			}

			for {
				wait := b.NextBackOff()
				s.logger.Info("event stream lost, reconnecting", "owner_id", ownerID, "wait", wait)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				body, err = s.connect(ctx, ownerID)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("reconnecting event stream", "owner_id", ownerID, "error", err)
			}

			select {
			case out <- events.Event{ChangeKind: ChangeResync, OwnerID: ownerID, OccurredAt: time.Now().UTC()}:
			case <-ctx.Done():
				body.Close()
				return
			}
		}
	}()
	return out, nil
}

func (s *HTTPSource) connect(ctx context.Context, ownerID uuid.UUID) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(ownerHeader, ownerID.String())
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting event stream: %v", ErrSource, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: event stream returned %d", ErrSource, resp.StatusCode)
	}
	return resp.Body, nil
}

// read forwards events until the stream ends. It reports whether anything was read.
func (s *HTTPSource) read(ctx context.Context, ownerID uuid.UUID, body io.Reader, out chan<- events.Event) bool {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	delivered := false
	for scanner.Scan() {
		line := scanner.Text()
		delivered = true
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// blank separators and ": ping" comments
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &evt); err != nil {
			s.logger.Warn("malformed event", "owner_id", ownerID, "error", err)
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return delivered
		}
	}
	return delivered
}
