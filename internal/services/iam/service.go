package iam

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

const tracerName = "teeproxy/services/iam"

// Service runs the registered authenticators for a request.
type Service struct {
	authenticators []Authenticator
	logger         *zap.Logger
	metrics        *telemetry.Metrics
}

// NewService registers authenticators in priority order.
func NewService(logger *zap.Logger, metrics *telemetry.Metrics, authenticators ...Authenticator) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		authenticators: authenticators,
		logger:         logger,
		metrics:        metrics,
	}
}

// Authenticators returns the registered authenticators in order.
func (s *Service) Authenticators() []Authenticator {
	return s.authenticators
}

// AuthenticateRequest tries every authenticator in order and returns the
// first principal found, tagged with that authenticator's type. Failing or
// panicking authenticators are logged and skipped; when none succeeds the
// result is an empty context. Only an *auth.Error of kind Fatal aborts the
// chain and is returned.
func (s *Service) AuthenticateRequest(ctx context.Context, req AuthRequest) (*auth.AuthContext, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.AuthenticateRequest")
	defer span.End()

	for _, a := range s.authenticators {
		authType := a.Type()
		label := strings.ToLower(string(authType))

		principal, err := s.authenticate(ctx, a, req)
		if err != nil {
			if auth.IsFatal(err) {
				s.metrics.AuthOutcome(label, "error")
				telemetry.RecordError(span, err)
				s.logger.Error("authentication aborted", zap.String("auth_type", string(authType)), zap.Error(err))
				return nil, err
			}
			s.metrics.AuthOutcome(label, "rejected")
			s.logger.Warn("authentication strategy failed",
				zap.String("auth_type", string(authType)),
				zap.Error(err))
			continue
		}
		if principal == nil || principal.User == nil {
			continue
		}

		s.metrics.AuthOutcome(label, "success")
		span.SetAttributes(
			attribute.String(telemetry.AttrUserID, principal.User.ID),
			attribute.String(telemetry.AttrAuthType, string(authType)),
		)
		return principal.authContext(authType), nil
	}
	return &auth.AuthContext{}, nil
}

// authenticate runs one authenticator and turns a panic into an error.
func (s *Service) authenticate(ctx context.Context, a Authenticator, req AuthRequest) (principal *Principal, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("authentication strategy panicked",
				zap.String("auth_type", string(a.Type())),
				zap.Any("panic", r))
			principal, err = nil, fmt.Errorf("authenticator %s panicked: %v", a.Type(), r)
		}
	}()
	return a.Authenticate(ctx, req)
}
