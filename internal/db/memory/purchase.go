package memory

import (
	"context"
	"fmt"
	"sort"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/purchase"
)

func cloneRequest(r *purchase.Request) *purchase.Request {
	c := *r
	if r.ApproverID != nil {
		v := *r.ApproverID
		c.ApproverID = &v
	}
	if r.RejectionReason != nil {
		v := *r.RejectionReason
		c.RejectionReason = &v
	}
	if r.CheckoutURL != nil {
		v := *r.CheckoutURL
		c.CheckoutURL = &v
	}
	if r.ResolvedAt != nil {
		v := *r.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

func (s *Store) CreateRequest(ctx context.Context, r *purchase.Request) error {
	return s.do(ctx, func(d *state) error {
		if _, ok := d.packages[r.PackageID]; !ok {
			return fmt.Errorf("пакет %d: %w", r.PackageID, common.ErrPackageNotFound)
		}
		r.ID = d.next("purchase_requests")
		r.CreatedAt = s.now()
		r.UpdatedAt = r.CreatedAt
		d.requests[r.ID] = cloneRequest(r)
		return nil
	})
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*purchase.Request, error) {
	var out *purchase.Request
	err := s.do(ctx, func(d *state) error {
		r, ok := d.requests[id]
		if !ok {
			return fmt.Errorf("запрос %d: %w", id, common.ErrRequestNotFound)
		}
		out = cloneRequest(r)
		return nil
	})
	return out, err
}

func (s *Store) GetRequestForUpdate(ctx context.Context, id int64) (*purchase.Request, error) {
	return s.GetRequest(ctx, id)
}

func (s *Store) UpdateRequest(ctx context.Context, r *purchase.Request) error {
	return s.do(ctx, func(d *state) error {
		if _, ok := d.requests[r.ID]; !ok {
			return fmt.Errorf("запрос %d: %w", r.ID, common.ErrRequestNotFound)
		}
		r.UpdatedAt = s.now()
		d.requests[r.ID] = cloneRequest(r)
		return nil
	})
}

func (s *Store) ListByRequester(ctx context.Context, requesterID int64, status purchase.Status) ([]*purchase.Request, error) {
	return s.listRequests(ctx, func(d *state, r *purchase.Request) bool {
		return r.RequesterID == requesterID && r.Status == status
	})
}

// ListByGroup возвращает запросы всех участников группы.
func (s *Store) ListByGroup(ctx context.Context, groupID int64, status purchase.Status) ([]*purchase.Request, error) {
	return s.listRequests(ctx, func(d *state, r *purchase.Request) bool {
		m, ok := d.members[r.RequesterID]
		return ok && m.GroupID != nil && *m.GroupID == groupID && r.Status == status
	})
}

func (s *Store) listRequests(ctx context.Context, match func(d *state, r *purchase.Request) bool) ([]*purchase.Request, error) {
	var out []*purchase.Request
	err := s.do(ctx, func(d *state) error {
		for _, r := range d.requests {
			if match(d, r) {
				out = append(out, cloneRequest(r))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}
