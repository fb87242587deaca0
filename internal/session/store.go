package session

import (
	"context"
	"time"
)

// Store persists both session classes.
type Store interface {
	CreateProviderSession(ctx context.Context, s *Provider) error
	FindProviderSession(ctx context.Context, idHash string) (*Provider, error)
	// EndProviderSession moves an active session to a terminal status with
	// the given reason. Terminal states never transition again.
	EndProviderSession(ctx context.Context, idHash string, status Status, reason string) error
	TouchProviderSession(ctx context.Context, idHash string, at time.Time) error

	CreateAdminSession(ctx context.Context, s *Admin) error
	FindAdminSession(ctx context.Context, id string) (*Admin, error)
	EndAdminSession(ctx context.Context, id string, status Status, reason string) error
	TouchAdminSession(ctx context.Context, id string, at time.Time) error
}
