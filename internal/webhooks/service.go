package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service manages webhook subscriptions and event dispatching.
type Service struct {
	repo       *Repository
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewService creates a new webhook Service.
func NewService(repo *Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscribe creates a new subscription with a generated HMAC secret.
func (s *Service) Subscribe(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	for _, e := range req.Events {
		if !KnownEvent(e) {
			return nil, fmt.Errorf("unknown event type %q", e)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	sub := &Subscription{
		URL:          req.URL,
		Events:       req.Events,
		Secret:       secret,
		TokenURL:     req.TokenURL,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	return sub, nil
}

// Unsubscribe deletes a subscription.
func (s *Service) Unsubscribe(ctx context.Context, subID uuid.UUID) error {
	return s.repo.Delete(ctx, subID)
}

// List returns all subscriptions.
func (s *Service) List(ctx context.Context) ([]*Subscription, error) {
	return s.repo.List(ctx)
}

// Dispatch fans out an event to all matching subscriptions.
// Implements the service.EventDispatcher interface.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	subs, err := s.repo.ListByEvent(ctx, eventType)
	if err != nil {
		s.logger.Error("webhook: list subscribers", zap.Error(err))
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	// Deliveries outlive the request that triggered the event.
	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		go s.deliver(detached, sub, event)
	}
}

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub *Subscription, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	signature := signPayload(body, sub.Secret)

	// Destinations behind OAuth2 get a client-credentials bearer token,
	// fetched once and reused across the retry attempts.
	var bearer string
	if sub.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     sub.ClientID,
			ClientSecret: sub.ClientSecret,
			TokenURL:     sub.TokenURL,
		}
		tok, err := cc.Token(ctx)
		if err != nil {
			s.logger.Warn("webhook: fetch bearer token",
				zap.String("url", sub.URL),
				zap.Error(err),
			)
			s.record(ctx, sub, event, body, false, 0, "oauth2 token: "+err.Error(), 1)
			return
		}
		bearer = tok.AccessToken
	}

	// Three attempts with backoff: t=0, +1s, +5s.
	delays := []time.Duration{0, 1 * time.Second, 5 * time.Second}

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			time.Sleep(delays[attempt-1])
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature, bearer)
		s.record(ctx, sub, event, body, success, statusCode, errMsg, attempt)

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

func (s *Service) record(ctx context.Context, sub *Subscription, event Event, body []byte, success bool, statusCode int, errMsg string, attempt int) {
	delivery := &Delivery{
		SubscriptionID: sub.ID,
		EventType:      event.Type,
		Payload:        body,
		StatusCode:     statusCode,
		Attempt:        attempt,
		Success:        success,
		ErrorMessage:   errMsg,
	}
	if err := s.repo.RecordDelivery(ctx, delivery); err != nil {
		s.logger.Warn("webhook: record delivery", zap.Error(err))
	}
	if s.onMetrics != nil {
		s.onMetrics(success)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature, bearer string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ChainLog-Signature", signature)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
