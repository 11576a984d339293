package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// DefaultURL is the Open-Meteo forecast endpoint.
const DefaultURL = "https://api.open-meteo.com/v1/forecast"

const (
	userAgent       = "weather-proxy/1.0"
	maxResponseSize = 1 << 20
	currentFields   = "temperature_2m,wind_speed_10m"
)

// WeatherClient fetches raw current conditions for a coordinate.
type WeatherClient interface {
	Fetch(ctx context.Context, lat, lon float64, units string) (RawResponse, error)
}

var (
	// ErrTransient marks attempt failures worth retrying: connection failures,
	// timeouts, and aborted or malformed responses.
	ErrTransient = errors.New("transient upstream error")
	// ErrUpstreamStatus marks a non-2xx response. Never retried.
	ErrUpstreamStatus = errors.New("upstream rejected request")
	// ErrUpstreamUnavailable wraps every terminal Fetch failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrCircuitOpen is returned when the circuit breaker rejects the attempt.
	ErrCircuitOpen = circuitbreaker.ErrOpen
)

// StatusError carries the HTTP status of a rejected upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", ErrUpstreamStatus, e.Code)
}

// Is matches ErrUpstreamStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// OpenMeteoClient calls the Open-Meteo forecast API with a connect timeout,
// a total per-attempt timeout and a RetryPolicy.
type OpenMeteoClient struct {
	apiURL  string
	client  *http.Client
	policy  RetryPolicy
	breaker *circuitbreaker.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewOpenMeteoClient creates a client for apiURL (DefaultURL when empty).
// connectTimeout bounds dialing and the TLS handshake; timeout bounds a whole attempt.
func NewOpenMeteoClient(apiURL string, connectTimeout, timeout time.Duration, policy RetryPolicy) (*OpenMeteoClient, error) {
	if apiURL == "" {
		apiURL = DefaultURL
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", apiURL)
	}
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &OpenMeteoClient{
		apiURL: apiURL,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		policy: policy.withDefaults(),
		sleep:  sleepContext,
	}, nil
}

// SetCircuitBreaker guards every attempt with cb. Transport failures and 5xx/429
// responses count against the circuit.
func (c *OpenMeteoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// CircuitState reports the breaker state, or closed when no breaker is set.
func (c *OpenMeteoClient) CircuitState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

// Fetch returns the raw provider response, retrying transient failures per the policy.
// Every returned error wraps ErrUpstreamUnavailable.
func (c *OpenMeteoClient) Fetch(ctx context.Context, lat, lon float64, units string) (RawResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "openmeteo.fetch", trace.WithAttributes(
		attribute.Float64("weather.lat", lat),
		attribute.Float64("weather.lon", lon),
		attribute.String("weather.units", units),
	))
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.Inc()
			if err := c.sleep(ctx, c.policy.Delay(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		raw, err := c.guardedAttempt(ctx, lat, lon, units)
		if err == nil {
			span.SetAttributes(attribute.Int("weather.attempts", attempts))
			return raw, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		observability.LoggerFromContext(ctx).Debug("upstream attempt failed, retrying",
			zap.Int("attempt", attempts), zap.Error(err))
	}

	err := fmt.Errorf("%w after %d attempt(s): %w", ErrUpstreamUnavailable, attempts, lastErr)
	observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "upstream unavailable")
	return RawResponse{}, err
}

func (c *OpenMeteoClient) guardedAttempt(ctx context.Context, lat, lon float64, units string) (RawResponse, error) {
	if c.breaker == nil {
		return c.attempt(ctx, lat, lon, units)
	}
	var raw RawResponse
	err := c.breaker.Call(ctx, func() error {
		var err error
		raw, err = c.attempt(ctx, lat, lon, units)
		return err
	})
	return raw, err
}

func (c *OpenMeteoClient) attempt(ctx context.Context, lat, lon float64, units string) (RawResponse, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, lat, lon, units)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return RawResponse{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			// Caller gave up; not a property of the upstream.
			return RawResponse{}, ctx.Err()
		}
		if isTransportFailure(err) {
			return RawResponse{}, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return RawResponse{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return RawResponse{}, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return RawResponse{}, fmt.Errorf("%w: read response body: %w", ErrTransient, err)
	}
	var raw RawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return RawResponse{}, fmt.Errorf("%w: parse response: %w", ErrTransient, err)
	}
	return raw, nil
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, lat, lon float64, units string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("current", currentFields)
	params.Set("timezone", "auto")
	for k, v := range unitParams(units) {
		params.Set(k, v)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// unitParams maps the units discriminator to Open-Meteo unit parameters.
func unitParams(units string) map[string]string {
	if units == models.UnitsImperial {
		return map[string]string{"temperature_unit": "fahrenheit", "wind_speed_unit": "mph"}
	}
	return map[string]string{"temperature_unit": "celsius", "wind_speed_unit": "kmh"}
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// countsAgainstCircuit selects the failures that indicate an unhealthy upstream.
func countsAgainstCircuit(err error) bool {
	if IsTransient(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return false
}

// CircuitFailureFilter is the circuitbreaker.Config.IsFailure for this client.
func CircuitFailureFilter() func(error) bool {
	return countsAgainstCircuit
}

// isTransportFailure classifies errors from http.Client.Do: timeouts, dial/read
// failures and connections closed mid-response.
func isTransportFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
