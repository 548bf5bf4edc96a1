package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const defaultBaseURL = "https://api.botframework.com"

// Config configures the HTTP token service client.
type Config struct {
	BaseURL string
	// AppID/AppSecret authenticate the agent with client credentials when
	// TokenURL is set. Without TokenURL requests are sent unauthenticated.
	AppID     string
	AppSecret string
	TokenURL  string
	Scopes    []string
	Timeout   time.Duration
	// RequestsPerSecond limits outbound calls; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient implements Client against the token service REST API.
type HTTPClient struct {
	baseURL string
	appID   string
	client  *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client. The OAuth2 client-credentials transport is
// used when cfg.TokenURL is set.
func NewHTTPClient(cfg Config) *HTTPClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	hc := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		hc = cc.Client(context.Background())
		hc.Timeout = timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTPClient{
		baseURL: base,
		appID:   cfg.AppID,
		client:  hc,
		limiter: limiter,
		tracer:  otel.Tracer("github.com/nextlevelbuilder/turnkit/internal/tokenclient"),
	}
}

func (c *HTTPClient) GetUserToken(ctx context.Context, userID, connectionName, channelID, magicCode string) (*protocol.TokenResponse, error) {
	q := url.Values{
		"userId":         {userID},
		"connectionName": {connectionName},
		"channelId":      {channelID},
	}
	if magicCode != "" {
		q.Set("code", magicCode)
	}
	var out protocol.TokenResponse
	if err := c.do(ctx, "GetUserToken", http.MethodGet, "/api/usertoken/GetToken", q, nil, &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if out.Token == "" {
		return nil, nil
	}
	return &out, nil
}

func (c *HTTPClient) GetTokenOrSignInResource(ctx context.Context, activity *protocol.Activity, connectionName, finalRedirect string) (*TokenOrSignInResourceResponse, error) {
	state, err := EncodeState(activity, connectionName, c.appID)
	if err != nil {
		return nil, fmt.Errorf("encode sign-in state: %w", err)
	}
	q := url.Values{
		"userId":         {activity.From.ID},
		"connectionName": {connectionName},
		"channelId":      {activity.ChannelID},
		"state":          {state},
	}
	if finalRedirect != "" {
		q.Set("finalRedirect", finalRedirect)
	}
	var out TokenOrSignInResourceResponse
	if err := c.do(ctx, "GetTokenOrSignInResource", http.MethodGet, "/api/usertoken/GetTokenOrSignInResource", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetSignInResource(ctx context.Context, activity *protocol.Activity, connectionName, finalRedirect string) (*protocol.SignInResource, error) {
	state, err := EncodeState(activity, connectionName, c.appID)
	if err != nil {
		return nil, fmt.Errorf("encode sign-in state: %w", err)
	}
	q := url.Values{"state": {state}}
	if finalRedirect != "" {
		q.Set("finalRedirect", finalRedirect)
	}
	var out protocol.SignInResource
	if err := c.do(ctx, "GetSignInResource", http.MethodGet, "/api/botsignin/GetSignInResource", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ExchangeToken(ctx context.Context, userID, connectionName, channelID string, req ExchangeRequest) (*protocol.TokenResponse, error) {
	q := url.Values{
		"userId":         {userID},
		"connectionName": {connectionName},
		"channelId":      {channelID},
	}
	var out protocol.TokenResponse
	err := c.do(ctx, "ExchangeToken", http.MethodPost, "/api/usertoken/exchange", q, req, &out)
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) && (se.Status == http.StatusPreconditionFailed || strings.EqualFold(se.Code, "ConsentRequired")) {
			return nil, fmt.Errorf("%w: %s", ErrConsentRequired, se.Message)
		}
		return nil, err
	}
	if out.Token == "" {
		return nil, ErrConsentRequired
	}
	return &out, nil
}

func (c *HTTPClient) SignOutUser(ctx context.Context, userID, connectionName, channelID string) error {
	q := url.Values{
		"userId":         {userID},
		"connectionName": {connectionName},
		"channelId":      {channelID},
	}
	return c.do(ctx, "SignOutUser", http.MethodDelete, "/api/usertoken/SignOut", q, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "tokenclient."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("token service %s: rate limit: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("token service %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("token service %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("token service %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeServiceError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("token service %s: decode response: %w", op, err)
	}
	return nil
}

func decodeServiceError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &ServiceError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Code != "" {
		se.Code = payload.Error.Code
		se.Message = payload.Error.Message
	}
	return se
}
