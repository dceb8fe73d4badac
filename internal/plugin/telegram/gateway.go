package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

const (
	tracerName       = "teeproxy/plugin/telegram"
	maxResponseBytes = 4 << 20
)

// Me is the Telegram user behind a session.
type Me struct {
	ID       string `json:"id"`
	Phone    string `json:"phone,omitempty"`
	Username string `json:"username,omitempty"`
}

// Channel is a channel or supergroup the user belongs to.
type Channel struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Username          *string `json:"username,omitempty"`
	ParticipantsCount *int    `json:"participants_count,omitempty"`
}

// CodeRequest is the pending state of a phone sign-in.
type CodeRequest struct {
	PhoneCodeHash string `json:"phone_code_hash"`
	SessionString string `json:"session_string"`
}

// SignIn completes a phone sign-in.
type SignIn struct {
	PhoneNumber   string `json:"phone_number"`
	Code          string `json:"code"`
	PhoneCodeHash string `json:"phone_code_hash"`
	SessionString string `json:"session_string"`
	Password      string `json:"password,omitempty"`
}

// BridgeError is a non-2xx answer from the MTProto bridge.
type BridgeError struct {
	Status int
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("telegram bridge returned status %d: %s %s", e.Status, e.Code, e.Detail)
}

// Gateway talks to the MTProto bridge that holds the Telegram connections.
// Transient failures are retried with exponential backoff; every other
// failure returns at once.
type Gateway struct {
	baseURL    string
	apiID      string
	apiHash    string
	timeout    time.Duration
	maxRetries uint
	initial    time.Duration
	http       *http.Client
	logger     *zap.Logger
}

// NewGateway creates a gateway from cfg.
func NewGateway(cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		baseURL:    strings.TrimRight(cfg.BridgeURL, "/"),
		apiID:      cfg.APIID,
		apiHash:    cfg.APIHash,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		initial:    cfg.RetryInterval,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Me resolves the user of a session. An expired or revoked session is an
// InvalidCredential error.
func (g *Gateway) Me(ctx context.Context, sessionString string) (*Me, error) {
	var out Me
	if err := g.call(ctx, "/v1/me", map[string]string{"session_string": sessionString}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Channels lists the channels and supergroups of a session.
func (g *Gateway) Channels(ctx context.Context, sessionString string) ([]Channel, error) {
	var out struct {
		Channels []Channel `json:"channels"`
	}
	if err := g.call(ctx, "/v1/dialogs", map[string]string{"session_string": sessionString}, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// SendMessage posts text to chatID and returns the new message id.
func (g *Gateway) SendMessage(ctx context.Context, sessionString, chatID, text string) (int64, error) {
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	in := map[string]string{"session_string": sessionString, "chat_id": chatID, "text": text}
	if err := g.call(ctx, "/v1/messages", in, &out); err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

// RequestCode sends a login code to phone.
func (g *Gateway) RequestCode(ctx context.Context, phone string) (*CodeRequest, error) {
	var out CodeRequest
	if err := g.call(ctx, "/v1/auth/send_code", map[string]string{"phone_number": phone}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignIn exchanges a login code for a session.
func (g *Gateway) SignIn(ctx context.Context, in SignIn) (*Credentials, error) {
	var out Credentials
	if err := g.call(ctx, "/v1/auth/sign_in", in, &out); err != nil {
		return nil, err
	}
	if out.PhoneNumber == "" {
		out.PhoneNumber = in.PhoneNumber
	}
	return &out, nil
}

func (g *Gateway) call(ctx context.Context, path string, in, out any) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "telegram.bridge"+strings.ReplaceAll(path, "/", "."),
		attribute.String(telemetry.AttrProvider, Provider))
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return auth.Fatal("encode bridge request", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = g.initial
	expBackoff.MaxInterval = 20 * g.initial
	expBackoff.Reset()

	attempts := 0
	operation := func() (json.RawMessage, error) {
		attempts++
		raw, err := g.post(ctx, path, body)
		if err == nil {
			return raw, nil
		}
		err = classify(err)
		if !errors.Is(err, auth.ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		g.logger.Warn("telegram bridge call failed",
			zap.String("path", path),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return nil, err
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(g.maxRetries+1),
		backoff.WithNotify(func(_ error, d time.Duration) {
			g.logger.Debug("retrying telegram bridge call", zap.String("path", path), zap.Duration("after", d))
		}),
	)
	if err != nil {
		if auth.KindOf(err) == auth.KindFatal && ctx.Err() != nil {
			err = auth.Transient("Telegram did not respond in time", err)
		}
		telemetry.RecordError(span, err)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return auth.Transient("Telegram bridge sent an unreadable response", err)
	}
	return nil
}

func (g *Gateway) post(ctx context.Context, path string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Api-Id", g.apiID)
	req.Header.Set("X-Telegram-Api-Hash", g.apiHash)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	be := &BridgeError{Status: resp.StatusCode}
	_ = json.Unmarshal(raw, be)
	return nil, be
}

// classify maps bridge failures onto the error taxonomy.
func classify(err error) error {
	var be *BridgeError
	if errors.As(err, &be) {
		switch {
		case be.Status == http.StatusUnauthorized:
			return auth.InvalidCredential("Telegram session is no longer valid", err)
		case be.Status == http.StatusTooManyRequests || be.Status >= 500:
			return auth.Transient("Telegram is unavailable", err)
		case be.Detail != "":
			return auth.InvalidRequest(be.Detail, err)
		default:
			return auth.InvalidRequest(fmt.Sprintf("Telegram request failed with status %d", be.Status), err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return auth.Fatal("telegram bridge call canceled", err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return auth.Transient("Telegram did not respond in time", err)
	}
	return auth.Transient("Telegram bridge is unreachable", err)
}
