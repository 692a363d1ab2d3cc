package memory

import (
	"context"
	"time"

	"serotonyl.ru/token-ledger/internal/features/admin"
)

func (s *Store) CreateSession(ctx context.Context, sess *admin.Session) error {
	return s.do(ctx, func(d *state) error {
		now := s.now()
		sess.ID = d.next("admin_sessions")
		sess.AuthenticatedAt, sess.LastActivity, sess.IsActive = now, now, true
		c := *sess
		d.sessions = append(d.sessions, &c)
		return nil
	})
}

// GetActiveSession возвращает последнюю активную сессию или nil.
func (s *Store) GetActiveSession(ctx context.Context, userID int64, now time.Time) (*admin.Session, error) {
	var out *admin.Session
	err := s.do(ctx, func(d *state) error {
		for i := len(d.sessions) - 1; i >= 0; i-- {
			sess := d.sessions[i]
			if sess.UserID == userID && sess.IsActive && sess.ExpiresAt.After(now) {
				c := *sess
				out = &c
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) DeactivateSessions(ctx context.Context, userID int64) error {
	return s.updateSessions(ctx, userID, func(sess *admin.Session) { sess.IsActive = false })
}

func (s *Store) TouchSession(ctx context.Context, userID int64, at time.Time) error {
	return s.updateSessions(ctx, userID, func(sess *admin.Session) { sess.LastActivity = at })
}

func (s *Store) updateSessions(ctx context.Context, userID int64, update func(*admin.Session)) error {
	return s.do(ctx, func(d *state) error {
		for i, sess := range d.sessions {
			if sess.UserID == userID && sess.IsActive {
				c := *sess
				update(&c)
				d.sessions[i] = &c
			}
		}
		return nil
	})
}

func (s *Store) LogAttempt(ctx context.Context, userID int64, success bool, at time.Time) error {
	return s.do(ctx, func(d *state) error {
		d.attempts = append(d.attempts, &admin.LoginAttempt{
			ID:          d.next("admin_login_attempts"),
			UserID:      userID,
			AttemptTime: at,
			Success:     success,
		})
		return nil
	})
}

func (s *Store) CountFailedAttempts(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.do(ctx, func(d *state) error {
		for _, a := range d.attempts {
			if a.UserID == userID && !a.Success && !a.AttemptTime.Before(since) {
				count++
			}
		}
		return nil
	})
	return count, err
}
