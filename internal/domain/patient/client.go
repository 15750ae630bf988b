package patient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// FetchResult is the outcome of a side-fetch. Callers treat Err as
// non-fatal and deliver whatever data they already have.
type FetchResult struct {
	Patient *Patient
	Err     error
}

func (r FetchResult) Ok() bool {
	return r.Err == nil && r.Patient != nil
}

// Fetcher retrieves patient detail from the origin service.
type Fetcher interface {
	FetchPatient(ctx context.Context, id string) FetchResult
}

type ClientConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
}

// CardroomClient fetches patient snapshots from the cardroom service over
// REST. Calls go through a circuit breaker so a dead origin does not add a
// full timeout to every assignment.
type CardroomClient struct {
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	group   singleflight.Group
	timeout time.Duration
	logger  zerolog.Logger
}

func NewCardroomClient(cfg ClientConfig, logger zerolog.Logger) *CardroomClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger = logger.With().Str("component", "cardroom_client").Logger()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.ServiceToken != "" {
		httpClient.SetAuthToken(cfg.ServiceToken)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cardroom-patients",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &CardroomClient{http: httpClient, cb: cb, timeout: cfg.Timeout, logger: logger}
}

func (c *CardroomClient) FetchPatient(ctx context.Context, id string) FetchResult {
	if id == "" {
		return FetchResult{Err: errors.New("fetch patient: empty id")}
	}

	// Concurrent assignments for the same patient share one request. The
	// shared request is detached from any single caller's cancellation and
	// bounded by the client timeout; each caller still stops waiting when
	// its own context ends.
	ch := c.group.DoChan(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.cb.Execute(func() (interface{}, error) {
			return c.fetch(fetchCtx, id)
		})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return FetchResult{Err: res.Err}
		}
		// Each caller gets its own copy of the shared snapshot.
		p := *res.Val.(*Patient)
		return FetchResult{Patient: &p}
	case <-ctx.Done():
		return FetchResult{Err: fmt.Errorf("fetch patient %s: %w", id, ctx.Err())}
	}
}

func (c *CardroomClient) fetch(ctx context.Context, id string) (*Patient, error) {
	var body map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&body).
		Get("/api/v1/patients/{id}")
	if err != nil {
		return nil, fmt.Errorf("fetch patient %s: %w", id, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.IsError():
		return nil, fmt.Errorf("fetch patient %s: status %d", id, resp.StatusCode())
	}

	if inner, ok := body["patient"].(map[string]any); ok {
		body = inner
	}
	p := FromMap(body)
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

// State exposes the breaker state for status reporting.
func (c *CardroomClient) State() string {
	return c.cb.State().String()
}
