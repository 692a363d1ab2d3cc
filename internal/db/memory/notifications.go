package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"serotonyl.ru/token-ledger/internal/features/notifications"
)

func cloneNotification(n *notifications.Notification) *notifications.Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.DeliveredAt != nil {
		at := *n.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

func (s *Store) CreateNotification(ctx context.Context, n *notifications.Notification) error {
	return s.do(ctx, func(d *state) error {
		n.ID = d.next("notifications")
		n.CreatedAt = s.now()
		if n.NextAttemptAt.IsZero() {
			n.NextAttemptAt = n.CreatedAt
		}
		d.notifications = append(d.notifications, cloneNotification(n))
		return nil
	})
}

func (s *Store) HasRecentNotification(ctx context.Context, userID int64, typ notifications.Type, since time.Time) (bool, error) {
	var found bool
	err := s.do(ctx, func(d *state) error {
		for _, n := range d.notifications {
			if n.UserID == userID && n.Type == typ && !n.CreatedAt.Before(since) {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (s *Store) ListUndelivered(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*notifications.Notification, error) {
	var out []*notifications.Notification
	err := s.do(ctx, func(d *state) error {
		for _, n := range d.notifications {
			if n.DeliveredAt != nil || n.Attempts >= maxAttempts || n.NextAttemptAt.After(now) {
				continue
			}
			out = append(out, cloneNotification(n))
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	return s.do(ctx, func(d *state) error {
		for i, n := range d.notifications {
			if n.ID == id {
				c := cloneNotification(n)
				c.DeliveredAt = &at
				d.notifications[i] = c
				return nil
			}
		}
		return fmt.Errorf("уведомление %d не найдено", id)
	})
}

func (s *Store) MarkFailed(ctx context.Context, id int64, next time.Time) error {
	return s.do(ctx, func(d *state) error {
		for i, n := range d.notifications {
			if n.ID == id {
				c := cloneNotification(n)
				c.Attempts++
				c.NextAttemptAt = next
				d.notifications[i] = c
				return nil
			}
		}
		return fmt.Errorf("уведомление %d не найдено", id)
	})
}

// Notifications возвращает все уведомления (копии) в порядке создания.
func (s *Store) Notifications() []*notifications.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notifications.Notification, 0, len(s.data.notifications))
	for _, n := range s.data.notifications {
		out = append(out, cloneNotification(n))
	}
	return out
}
