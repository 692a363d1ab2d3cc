package memory

import "context"

func (s *Store) WebhookProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	err := s.do(ctx, func(d *state) error {
		_, seen = d.webhooks[provider+"/"+eventID]
		return nil
	})
	return seen, err
}

func (s *Store) MarkWebhookProcessed(ctx context.Context, provider, eventID, eventType string) error {
	return s.do(ctx, func(d *state) error {
		key := provider + "/" + eventID
		if _, ok := d.webhooks[key]; !ok {
			d.webhooks[key] = eventType
		}
		return nil
	})
}
