// Package apns delivers alert pushes to Apple devices over the APNs HTTP/2
// provider API with ES256 token authentication.
package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/time/rate"
)

const (
	// HostProduction is the production APNs endpoint.
	HostProduction = "api.push.apple.com"

	// HostSandbox is the development APNs endpoint.
	HostSandbox = "api.sandbox.push.apple.com"
)

// deviceTokenPattern matches hex device tokens. Apple does not document a
// fixed length, so accept the common 64 up to a generous upper bound.
var deviceTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{64,200}$`)

// ValidDeviceToken reports whether token looks like an APNs device token.
func ValidDeviceToken(token string) bool {
	return deviceTokenPattern.MatchString(token)
}

// Config contains APNs client configuration.
type Config struct {
	KeyID      string
	TeamID     string
	BundleID   string
	AuthKeyPEM []byte
	Sandbox    bool

	// RequestsPerSecond throttles outbound pushes; zero disables the
	// limiter.
	RequestsPerSecond float64
	Timeout           time.Duration

	// BaseURL overrides the APNs endpoint. Used by tests.
	BaseURL string
}

// Notification is one push to one device.
type Notification struct {
	DeviceToken string
	Title       string
	Body        string
	Data        map[string]any
}

// Result classifies one delivery attempt.
type Result struct {
	Success bool

	// Terminal means the failure will not heal on retry.
	Terminal bool

	// DeleteToken means APNs reported the device token permanently invalid.
	DeleteToken bool

	Status int
	Reason string
}

// Client sends pushes to APNs.
type Client struct {
	config  Config
	tokens  *tokenSource
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewClient creates an APNs client. The auth key must be the PKCS#8 EC
// private key Apple issues for provider token authentication.
func NewClient(config Config) (*Client, error) {
	tokens, err := newTokenSource(config.KeyID, config.TeamID, config.AuthKeyPEM)
	if err != nil {
		return nil, err
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		host := HostProduction
		if config.Sandbox {
			host = HostSandbox
		}
		baseURL = "https://" + host
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), int(config.RequestsPerSecond)+1)
	}

	return &Client{
		config:  config,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
	}, nil
}

// apsPayload is the APNs alert envelope.
type apsPayload struct {
	Alert apsAlert `json:"alert"`
	Sound string   `json:"sound"`
	Badge int      `json:"badge"`
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers one alert push. Transport errors are returned as errors and
// should be treated as transient; APNs rejections come back classified in
// the Result.
func (c *Client) Send(ctx context.Context, n Notification) (*Result, error) {
	if !ValidDeviceToken(n.DeviceToken) {
		return &Result{Terminal: true, DeleteToken: true, Reason: "malformed_device_token"}, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	providerToken, err := c.tokens.Token(time.Now())
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"aps": apsPayload{
		Alert: apsAlert{Title: n.Title, Body: n.Body},
		Sound: "default",
		Badge: 1,
	}}
	for k, v := range n.Data {
		if k == "aps" {
			continue
		}
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal apns payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", c.baseURL, n.DeviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build apns request: %w", err)
	}

	req.Header.Set("Authorization", "bearer "+providerToken)
	req.Header.Set("apns-topic", c.config.BundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return &Result{Success: true, Status: resp.StatusCode}, nil
	}

	return classify(resp), nil
}

// apnsError is the JSON body APNs returns on rejection.
type apnsError struct {
	Reason string `json:"reason"`
}

// tokenInvalidReasons are APNs rejection reasons that mean the device token
// will never work again.
var tokenInvalidReasons = map[string]bool{
	"BadDeviceToken":         true,
	"Unregistered":           true,
	"DeviceTokenNotForTopic": true,
}

func classify(resp *http.Response) *Result {
	result := &Result{Status: resp.StatusCode}

	var apiErr apnsError
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &apiErr)
	}
	result.Reason = apiErr.Reason
	if result.Reason == "" {
		result.Reason = fmt.Sprintf("status_%d", resp.StatusCode)
	}

	switch {
	case tokenInvalidReasons[apiErr.Reason] || resp.StatusCode == http.StatusGone:
		result.Terminal = true
		result.DeleteToken = true
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Transient: APNs throttling or server-side trouble.
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		result.Terminal = true
	default:
		// Anything outside the 4xx/5xx bands is not a rejection verdict.
	}

	return result
}
