package avsession

import (
	"context"

	"go2tv.app/avsession/internal/domain"
)

// Operation names a manager call for authorization.
type Operation string

const (
	OpCreateSession    Operation = "createAVSession"
	OpListSessions     Operation = "getAllSessionDescriptors"
	OpListHistory      Operation = "getHistoricalSessionDescriptors"
	OpCreateController Operation = "createController"
	OpSubscribe        Operation = "on"
	OpCastDiscovery    Operation = "castDeviceDiscovery"
	OpStartCasting     Operation = "startCasting"
	OpStopCasting      Operation = "stopCasting"
	OpSystemControl    Operation = "sendSystemControlCommand"
	OpDestroySession   Operation = "destroySession"
)

// Authorizer decides whether the caller behind ctx may run op. It is
// consulted before any lookup.
type Authorizer interface {
	Authorize(ctx context.Context, op Operation) error
}

type AuthorizerFunc func(ctx context.Context, op Operation) error

func (f AuthorizerFunc) Authorize(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

func (s *Service) authorize(ctx context.Context, op Operation) error {
	if s.auth == nil {
		return nil
	}
	err := s.auth.Authorize(ctx, op)
	if err == nil {
		return nil
	}
	if domain.CodeOf(err) == domain.CodePermissionDenied {
		return err
	}
	return domain.Wrap(domain.CodePermissionDenied, string(op)+" is not permitted", err)
}
