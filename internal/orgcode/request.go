// Package orgcode models the organization-code request lifecycle. A request
// is created pending and moves to exactly one of confirmed or rejected; both
// are final. Every path that transitions a request (HTTP action, disk-mirror
// replay, inbound mail command) funnels through Confirm and Reject so the
// single-mint rule is enforced in one place.
package orgcode

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

type OrgType string

const (
	OrgTypeSchool    OrgType = "school"
	OrgTypeInstitute OrgType = "institute"
)

var (
	ErrNotFound   = errors.New("org code request not found")
	ErrCodeExists = errors.New("organization already holds a confirmed code")
	ErrInvalid    = errors.New("invalid org code request")
)

// Request is an organization-code issuance request. Token is the sole
// correlation key between the live store and any disk mirror.
type Request struct {
	Token           string    `json:"token"`
	ManagementEmail string    `json:"managementEmail"`
	OrgType         OrgType   `json:"orgType"`
	InstituteID     string    `json:"instituteId,omitempty"`
	Status          Status    `json:"status"`
	OrgCode         string    `json:"orgCode,omitempty"`
	RejectionReason string    `json:"rejectionReason,omitempty"`
	RequestedAt     time.Time `json:"requestedAt"`
}

func (r Request) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusRejected
}

// NewRequest builds a pending request with a fresh token.
func NewRequest(managementEmail string, orgType OrgType, instituteID string) (Request, error) {
	managementEmail = strings.TrimSpace(managementEmail)
	if managementEmail == "" {
		return Request{}, ErrInvalid
	}
	switch orgType {
	case OrgTypeSchool, OrgTypeInstitute:
	default:
		return Request{}, ErrInvalid
	}
	return Request{
		Token:           NewToken(),
		ManagementEmail: managementEmail,
		OrgType:         orgType,
		InstituteID:     strings.TrimSpace(instituteID),
		Status:          StatusPending,
		RequestedAt:     time.Now().UTC(),
	}, nil
}

// NewToken returns an unguessable 160-bit hex token.
func NewToken() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MintCode returns a 6-character uppercase alphanumeric organization code.
func MintCode() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}
