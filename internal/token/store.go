package token

import "context"

// Store describes persistence for tokens and verification codes. Status
// transitions that guard single-use semantics go through the conditional
// update so concurrent redeemers resolve at the store, not in process.
type Store interface {
	CreateToken(ctx context.Context, t *AccessToken) error
	FindToken(ctx context.Context, idHash string) (*AccessToken, error)
	// UpdateTokenStatusIf transitions from -> to and reports whether this
	// caller performed the transition.
	UpdateTokenStatusIf(ctx context.Context, idHash string, from, to Status) (bool, error)
	SetTokenStatus(ctx context.Context, idHash string, to Status) error

	CreateCode(ctx context.Context, c *VerificationCode) error
	FindCode(ctx context.Context, id string) (*VerificationCode, error)
	// IncrementCodeAttempts adds one attempt and returns the new count.
	IncrementCodeAttempts(ctx context.Context, id string) (int, error)
	SetCodeStatus(ctx context.Context, id string, to CodeStatus) error
	SetCodeDelivery(ctx context.Context, id string, to DeliveryStatus) error
	CountCodesForToken(ctx context.Context, tokenHash string) (int, error)
}
