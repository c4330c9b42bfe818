package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
	"kiosklink/pkg/cache"
	"kiosklink/pkg/circuitbreaker"
	apperrors "kiosklink/pkg/errors"
	"kiosklink/pkg/tracing"
)

const (
	iceCacheKey = "ice"
	maxBodySize = 1 << 20
)

type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	// ICECacheTTL bounds how long the ICE server list is reused.
	ICECacheTTL time.Duration
	// FallbackICEServers are returned when the config endpoint is unreachable.
	FallbackICEServers []domain.ICEServer
	Breaker            circuitbreaker.Config
}

// Client talks to the signaling relay over HTTP. It implements
// ports.SignalingRelay and ports.TokenIssuer.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	iceCache   *cache.Cache[string, []domain.ICEServer]
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger
}

var (
	_ ports.SignalingRelay = (*Client)(nil)
	_ ports.TokenIssuer    = (*Client)(nil)
)

func NewClient(cfg Config, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Client {
	if cfg.ICECacheTTL <= 0 {
		cfg.ICECacheTTL = 5 * time.Minute
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:  circuitbreaker.New(cfg.Breaker),
		iceCache: cache.New[string, []domain.ICEServer](cfg.ICECacheTTL),
		metrics:  metrics,
		logger:   logger,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("relay token breaker changed state", "from", from.String(), "to", to.String())
	})
	return c
}

func (c *Client) PostOffer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error {
	return c.do(ctx, "post_offer", http.MethodPost, PathOffer, nil,
		DescriptionRequest{PairID: key.String(), SDP: desc.SDP}, nil)
}

func (c *Client) GetOffer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error) {
	return c.getDescription(ctx, "get_offer", PathOffer, key, domain.SDPTypeOffer)
}

func (c *Client) PostAnswer(ctx context.Context, key domain.PairingKey, desc domain.SessionDescription) error {
	return c.do(ctx, "post_answer", http.MethodPost, PathAnswer, nil,
		DescriptionRequest{PairID: key.String(), SDP: desc.SDP}, nil)
}

func (c *Client) GetAnswer(ctx context.Context, key domain.PairingKey) (*domain.SessionDescription, error) {
	return c.getDescription(ctx, "get_answer", PathAnswer, key, domain.SDPTypeAnswer)
}

// PostCandidate appends c to the queue of role self.
func (c *Client) PostCandidate(ctx context.Context, key domain.PairingKey, self domain.Role, cand domain.ICECandidate) error {
	return c.do(ctx, "post_candidate", http.MethodPost, PathCandidate, nil,
		CandidateRequest{PairID: key.String(), Role: self, Candidate: &cand}, nil)
}

// GetCandidates drains the queue written by the peer of self.
func (c *Client) GetCandidates(ctx context.Context, key domain.PairingKey, self domain.Role) ([]domain.ICECandidate, error) {
	var resp CandidatesResponse
	q := url.Values{"pairId": {key.String()}, "role": {string(self)}}
	if err := c.do(ctx, "get_candidates", http.MethodGet, PathCandidates, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// DeleteSession clears every envelope stored for key. The relay broadcasts
// a "stopped" notification carrying reason.
func (c *Client) DeleteSession(ctx context.Context, key domain.PairingKey, reason domain.StopReason) error {
	q := url.Values{"reason": {string(reason)}}
	return c.do(ctx, "delete_session", http.MethodDelete, PathSession+url.PathEscape(key.String()), q, nil, nil)
}

// StartSession marks the pairing key active on the relay and returns its
// order sequence number.
func (c *Client) StartSession(ctx context.Context, key domain.PairingKey) (string, error) {
	var resp StartSessionResponse
	q := url.Values{"pairId": {key.String()}}
	if err := c.do(ctx, "start_session", http.MethodPost, PathSessionStart, q, nil, &resp); err != nil {
		return "", err
	}
	return resp.OSN, nil
}

// ICEServers returns the relay's ICE configuration. Results are cached and
// the configured fallback is used while the relay is unreachable.
func (c *Client) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	servers, err := c.iceCache.GetOrSet(ctx, iceCacheKey, func(ctx context.Context) ([]domain.ICEServer, error) {
		return circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) ([]domain.ICEServer, error) {
			var resp ConfigResponse
			if err := c.do(ctx, "ice_config", http.MethodGet, PathConfig, nil, nil, &resp); err != nil {
				return nil, err
			}
			return resp.ICEServers, nil
		})
	})
	if err != nil {
		if len(c.cfg.FallbackICEServers) > 0 {
			c.logger.Warnw("using fallback ice servers", "error", err)
			return c.cfg.FallbackICEServers, nil
		}
		return nil, err
	}
	return servers, nil
}

// RequestToken fetches a short-lived room token. Repeated failures open the
// breaker so callers fail fast instead of waiting on a dead endpoint.
func (c *Client) RequestToken(ctx context.Context, provider domain.ProviderID, key domain.PairingKey, role domain.Role) (domain.RoomToken, error) {
	tok, err := circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (domain.RoomToken, error) {
		var resp TokenResponse
		body := TokenRequest{PairID: key.String(), Role: role, Provider: provider}
		if err := c.do(ctx, "request_token", http.MethodPost, PathToken, nil, body, &resp); err != nil {
			return domain.RoomToken{}, err
		}
		if resp.Token == "" {
			return domain.RoomToken{}, fmt.Errorf("empty token in response")
		}
		return domain.RoomToken{Token: resp.Token, URL: resp.URL}, nil
	})
	if err != nil {
		return domain.RoomToken{}, fmt.Errorf("%w: %v", domain.ErrTokenFetch, err)
	}
	return tok, nil
}

func (c *Client) getDescription(ctx context.Context, op, path string, key domain.PairingKey, typ domain.SDPType) (*domain.SessionDescription, error) {
	var resp DescriptionResponse
	q := url.Values{"pairId": {key.String()}}
	if err := c.do(ctx, op, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.SDP == nil || *resp.SDP == "" {
		return nil, nil
	}
	return &domain.SessionDescription{Type: typ, SDP: *resp.SDP}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) (err error) {
	ctx, span := tracing.TraceRelay(ctx, op)
	defer func() {
		tracing.End(span, err)
		if err != nil && c.metrics != nil {
			c.metrics.RelayError(op)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
			fmt.Sprintf("%s: %v", op, domain.ErrRelayUnavailable), http.StatusServiceUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.FromHTTPStatus(op, resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
