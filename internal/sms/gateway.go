package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salonpro-notify/pkg/circuitbreaker"
	"salonpro-notify/pkg/metrics"
)

// Gateway talks to the messaging gateway service. Send routes through the
// salon's configured provider; SendDirect uses the platform's own credentials
// and ignores salon configuration.
type Gateway struct {
	gatewayURL   string
	directURL    string
	directAPIKey string
	httpClient   *http.Client
	breaker      *circuitbreaker.CircuitBreaker
	logger       *zap.Logger
}

func NewGateway(gatewayURL, directURL, directAPIKey string, timeout time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		gatewayURL:   gatewayURL,
		directURL:    directURL,
		directAPIKey: directAPIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:  logger,
	}
}

type sendRequest struct {
	SalonID   string `json:"salon_id,omitempty"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Gateway error codes mapped to the not-configured class. Everything else is
// a rejection or a transient fault.
var notConfiguredCodes = map[string]bool{
	"channel_not_configured": true,
	"channel_disabled":       true,
	"missing_credentials":    true,
	"unsupported_provider":   true,
}

// Send delivers through the salon-configured provider. The primary path is
// breaker-guarded: an open breaker surfaces as a transient failure so the
// message rides the normal retry path instead of falling back. Only transient
// faults count against the breaker; rejections and misconfigured salons are
// per-message outcomes on a healthy gateway and must not trip it.
func (g *Gateway) Send(ctx context.Context, salonID uuid.UUID, recipient, text string) (*SendResult, error) {
	var result *SendResult
	var sendErr error

	err := g.breaker.Execute(func() error {
		result, sendErr = g.post(ctx, g.gatewayURL+"/v1/messages", sendRequest{
			SalonID:   salonID.String(),
			Recipient: recipient,
			Text:      text,
		}, "", "primary")
		if sendErr != nil && Classify(sendErr) == ClassTransient {
			return sendErr
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		g.logger.Warn("Primary channel breaker open, send rejected",
			zap.String("salon_id", salonID.String()),
		)
		return nil, &SendError{
			Class:   ClassTransient,
			Message: "primary channel unavailable",
			Err:     err,
		}
	}
	if sendErr != nil {
		return nil, sendErr
	}

	return result, nil
}

// SendDirect delivers through the platform's direct provider account.
func (g *Gateway) SendDirect(ctx context.Context, recipient, text string) (*SendResult, error) {
	return g.post(ctx, g.directURL+"/v1/messages", sendRequest{
		Recipient: recipient,
		Text:      text,
	}, g.directAPIKey, "direct")
}

func (g *Gateway) post(ctx context.Context, url string, payload sendRequest, apiKey, channel string) (*SendResult, error) {
	start := time.Now()

	result, err := g.doPost(ctx, url, payload, apiKey, channel)

	status := "ok"
	if err != nil {
		status = string(Classify(err))
	}
	metrics.RecordSendLatency(channel, status, time.Since(start))

	return result, err
}

func (g *Gateway) doPost(ctx context.Context, url string, payload sendRequest, apiKey, channel string) (*SendResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, &SendError{Class: ClassRejected, Message: "failed to encode send request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &SendError{Class: ClassRejected, Message: "failed to build send request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Timeouts and network faults land here.
		return nil, &SendError{Class: ClassTransient, Message: "send request failed", Err: err}
	}
	defer resp.Body.Close()

	var body sendResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil && resp.StatusCode == http.StatusOK {
		return nil, &SendError{Class: ClassTransient, Message: "failed to decode gateway response", Err: decodeErr}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &SendResult{ProviderMessageID: body.MessageID, Channel: channel}, nil
	case resp.StatusCode >= 500:
		return nil, &SendError{
			Class:   ClassTransient,
			Message: fmt.Sprintf("gateway 5xx: %d", resp.StatusCode),
		}
	case notConfiguredCodes[body.Code]:
		return nil, &SendError{
			Class:   ClassNotConfigured,
			Message: fmt.Sprintf("channel not usable: %s", body.Code),
		}
	default:
		msg := body.Error
		if msg == "" {
			msg = fmt.Sprintf("gateway error: %d", resp.StatusCode)
		}
		return nil, &SendError{Class: ClassRejected, Message: msg}
	}
}
