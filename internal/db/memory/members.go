package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/members"
)

func cloneMember(m *members.Member) *members.Member {
	c := *m
	if m.GroupID != nil {
		g := *m.GroupID
		c.GroupID = &g
	}
	return &c
}

// UpsertMember на повторе обновляет только имя и username.
func (s *Store) UpsertMember(ctx context.Context, m *members.Member) error {
	return s.do(ctx, func(d *state) error {
		now := s.now()
		if cur, ok := d.members[m.UserID]; ok {
			c := cloneMember(cur)
			c.Username, c.FirstName, c.LastName = m.Username, m.FirstName, m.LastName
			c.UpdatedAt = now
			d.members[m.UserID] = c
			return nil
		}
		c := cloneMember(m)
		c.ID = d.next("members")
		if c.TokenMode == "" {
			c.TokenMode = members.TokenModeIndividual
		}
		c.CreatedAt, c.UpdatedAt = now, now
		d.members[m.UserID] = c
		return nil
	})
}

func (s *Store) GetByUserID(ctx context.Context, userID int64) (*members.Member, error) {
	var out *members.Member
	err := s.do(ctx, func(d *state) error {
		m, ok := d.members[userID]
		if !ok {
			return fmt.Errorf("user_id=%d: %w", userID, common.ErrUserNotFound)
		}
		out = cloneMember(m)
		return nil
	})
	return out, err
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*members.Member, error) {
	var out *members.Member
	err := s.do(ctx, func(d *state) error {
		for _, m := range sortedMembers(d) {
			if m.Username != "" && strings.EqualFold(m.Username, username) {
				out = cloneMember(m)
				return nil
			}
		}
		return fmt.Errorf("username=%s: %w", username, common.ErrUserNotFound)
	})
	return out, err
}

// FindGuardian возвращает родителя группы, зарегистрированного первым.
func (s *Store) FindGuardian(ctx context.Context, groupID int64) (*members.Member, error) {
	var out *members.Member
	err := s.do(ctx, func(d *state) error {
		for _, m := range sortedMembers(d) {
			if m.Role == members.RoleGuardian && m.GroupID != nil && *m.GroupID == groupID {
				out = cloneMember(m)
				return nil
			}
		}
		return fmt.Errorf("родитель группы %d: %w", groupID, common.ErrUserNotFound)
	})
	return out, err
}

func (s *Store) UpdateFamily(ctx context.Context, userID int64, f members.Family) error {
	return s.do(ctx, func(d *state) error {
		cur, ok := d.members[userID]
		if !ok {
			return fmt.Errorf("user_id=%d: %w", userID, common.ErrUserNotFound)
		}
		c := cloneMember(cur)
		c.Role, c.TokenMode, c.RequiresPurchaseApproval = f.Role, f.TokenMode, f.RequiresPurchaseApproval
		c.GroupID = nil
		if f.GroupID != nil {
			g := *f.GroupID
			c.GroupID = &g
		}
		c.UpdatedAt = s.now()
		d.members[userID] = c
		return nil
	})
}

func (s *Store) SetAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	return s.do(ctx, func(d *state) error {
		cur, ok := d.members[userID]
		if !ok {
			return nil
		}
		c := cloneMember(cur)
		c.IsAdmin = isAdmin
		c.UpdatedAt = s.now()
		d.members[userID] = c
		return nil
	})
}

// PutMember сохраняет пользователя целиком, вместе с семейными настройками.
func (s *Store) PutMember(m members.Member) *members.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.data.members[m.UserID]; ok {
		m.ID, m.CreatedAt = cur.ID, cur.CreatedAt
	} else {
		m.ID = s.data.next("members")
		m.CreatedAt = now
	}
	if m.TokenMode == "" {
		m.TokenMode = members.TokenModeIndividual
	}
	m.UpdatedAt = now
	s.data.members[m.UserID] = cloneMember(&m)
	return cloneMember(&m)
}

func sortedMembers(d *state) []*members.Member {
	out := make([]*members.Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
