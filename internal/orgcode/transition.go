package orgcode

import (
	"context"
	"strings"
)

// Store is the narrow persistence surface the transition funnel needs. Both
// the relational stores and the disk-mirror queue adapter implement it.
type Store interface {
	// GetRequest returns the request for token or ErrNotFound.
	GetRequest(ctx context.Context, token string) (Request, error)
	// SaveRequest upserts the request keyed by token.
	SaveRequest(ctx context.Context, req Request) error
	// HasConfirmedCode reports whether a confirmed request of the same type
	// already exists for the institute or management email.
	HasConfirmedCode(ctx context.Context, orgType OrgType, instituteID, managementEmail string) (bool, error)
}

// Outcome describes the result of a transition. Minted is true only on the
// single pending-to-confirmed edge that generated the code; replays of a
// terminal request come back with Changed and Minted false.
type Outcome struct {
	Request Request
	Minted  bool
	Changed bool
}

// Confirm moves a pending request to confirmed, minting its code exactly
// once. Confirming an already-terminal request is a no-op success and never
// re-mints; a confirmed request returns its previously minted code.
func Confirm(ctx context.Context, s Store, token string) (Outcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Outcome{}, ErrInvalid
	}
	req, err := s.GetRequest(ctx, token)
	if err != nil {
		return Outcome{}, err
	}
	if req.Terminal() {
		return Outcome{Request: req}, nil
	}
	exists, err := s.HasConfirmedCode(ctx, req.OrgType, req.InstituteID, req.ManagementEmail)
	if err != nil {
		return Outcome{}, err
	}
	if exists {
		return Outcome{Request: req}, ErrCodeExists
	}
	req.Status = StatusConfirmed
	req.OrgCode = MintCode()
	if err := s.SaveRequest(ctx, req); err != nil {
		return Outcome{}, err
	}
	return Outcome{Request: req, Minted: true, Changed: true}, nil
}

// Reject moves a pending request to rejected with an optional reason.
// Rejecting an already-terminal request is a no-op success.
func Reject(ctx context.Context, s Store, token, reason string) (Outcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Outcome{}, ErrInvalid
	}
	req, err := s.GetRequest(ctx, token)
	if err != nil {
		return Outcome{}, err
	}
	if req.Terminal() {
		return Outcome{Request: req}, nil
	}
	req.Status = StatusRejected
	req.RejectionReason = strings.TrimSpace(reason)
	if err := s.SaveRequest(ctx, req); err != nil {
		return Outcome{}, err
	}
	return Outcome{Request: req, Changed: true}, nil
}
