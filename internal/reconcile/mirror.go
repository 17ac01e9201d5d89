package reconcile

import (
	"context"
	"strings"

	"github.com/edunexus/spool/internal/orgcode"
	"github.com/edunexus/spool/internal/spool"
)

// mirrorStore adapts the org-request disk mirror to the state-machine
// funnel so confirm/reject transitions apply to the mirror while the
// primary store is unreachable. The mirror entry keeps its queued status;
// the org-request pass upserts the transitioned request into the primary
// once it is reachable again.
type mirrorStore struct {
	queue *spool.OrgRequestQueue
}

func (m mirrorStore) GetRequest(ctx context.Context, token string) (orgcode.Request, error) {
	items, err := m.queue.ListAll()
	if err != nil {
		return orgcode.Request{}, err
	}
	for _, entry := range items {
		if entry.Request.Token == token {
			return entry.Request, nil
		}
	}
	return orgcode.Request{}, orgcode.ErrNotFound
}

func (m mirrorStore) SaveRequest(ctx context.Context, req orgcode.Request) error {
	found := false
	err := m.queue.Update(func(entry *spool.OrgRequestEntry) {
		if entry.Request.Token == req.Token {
			entry.Request = req
			found = true
		}
	})
	if err != nil {
		return err
	}
	if !found {
		_, err = m.queue.Append(spool.OrgRequestEntry{Request: req})
	}
	return err
}

func (m mirrorStore) HasConfirmedCode(ctx context.Context, orgType orgcode.OrgType, instituteID, managementEmail string) (bool, error) {
	items, err := m.queue.ListAll()
	if err != nil {
		return false, err
	}
	instituteID = strings.TrimSpace(instituteID)
	email := strings.ToLower(strings.TrimSpace(managementEmail))
	for _, entry := range items {
		req := entry.Request
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

var _ orgcode.Store = mirrorStore{}
