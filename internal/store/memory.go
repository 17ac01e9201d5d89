package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/edunexus/spool/internal/orgcode"
)

// Memory is an in-memory RecordStore. Tests use SetReachable to simulate
// outages; every operation fails with ErrUnavailable while unreachable.
type Memory struct {
	mu        sync.Mutex
	reachable bool
	users     map[string]SignupRecord
	requests  map[string]orgcode.Request
	nextID    int
}

func NewMemory() *Memory {
	return &Memory{
		reachable: true,
		users:     map[string]SignupRecord{},
		requests:  map[string]orgcode.Request{},
	}
}

func (m *Memory) SetReachable(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = reachable
}

func (m *Memory) Probe(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *Memory) InsertUser(ctx context.Context, rec SignupRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return "", ErrUnavailable
	}
	key := strings.ToLower(strings.TrimSpace(rec.Email))
	if key == "" {
		return "", fmt.Errorf("email is required")
	}
	if _, exists := m.users[key]; exists {
		return "", fmt.Errorf("%w: users email %s", ErrDuplicate, key)
	}
	m.users[key] = rec
	m.nextID++
	return fmt.Sprintf("%d", m.nextID), nil
}

// UserCount reports how many users have been inserted. Test helper.
func (m *Memory) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *Memory) GetRequest(ctx context.Context, token string) (orgcode.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return orgcode.Request{}, ErrUnavailable
	}
	req, ok := m.requests[token]
	if !ok {
		return orgcode.Request{}, orgcode.ErrNotFound
	}
	return req, nil
}

func (m *Memory) SaveRequest(ctx context.Context, req orgcode.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return ErrUnavailable
	}
	m.requests[req.Token] = req
	return nil
}

func (m *Memory) HasConfirmedCode(ctx context.Context, orgType orgcode.OrgType, instituteID, managementEmail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return false, ErrUnavailable
	}
	instituteID = strings.TrimSpace(instituteID)
	email := strings.ToLower(strings.TrimSpace(managementEmail))
	for _, req := range m.requests {
		if req.Status != orgcode.StatusConfirmed || req.OrgType != orgType {
			continue
		}
		if instituteID != "" && req.InstituteID == instituteID {
			return true, nil
		}
		if strings.ToLower(req.ManagementEmail) == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Close() error { return nil }
