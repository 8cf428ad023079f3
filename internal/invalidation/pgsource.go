package invalidation

import (
	"context"
	"fmt"

	"github.com/mlgclan/perfcore/internal/events"
	"github.com/mlgclan/perfcore/pkg/pgnotify"
)

// ListenPostgres is an optional external event transport (§4.4's event
// ingestion boundary): it subscribes to row-level changes on the tables the
// rule table cares about and publishes the matching domain event, for
// embedders whose writes happen via direct SQL rather than through an
// application path that already calls Publish.
func (b *Bus) ListenPostgres(pg *pgnotify.Bus) error {
	subs := []struct {
		table  string
		decode func(row map[string]interface{}) (events.Event, bool)
	}{
		{"votes", decodeVoteCast},
		{"clan_members", decodeClanMemberAdded},
		{"content", decodeContentCreated},
	}

	for _, s := range subs {
		decode := s.decode
		if _, err := pg.OnInsert(s.table, func(ctx context.Context, newRow map[string]interface{}) error {
			if ev, ok := decode(newRow); ok {
				b.Publish(ctx, ev)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("invalidation: listen %s: %w", s.table, err)
		}
	}
	return nil
}

func decodeVoteCast(row map[string]interface{}) (events.Event, bool) {
	contentID, _ := row["content_id"].(string)
	if contentID == "" {
		return nil, false
	}
	userID, _ := row["user_id"].(string)
	clanID, _ := row["clan_id"].(string)
	return events.VoteCast{ContentID: contentID, UserID: userID, ClanID: clanID}, true
}

func decodeClanMemberAdded(row map[string]interface{}) (events.Event, bool) {
	clanID, _ := row["clan_id"].(string)
	userID, _ := row["user_id"].(string)
	if clanID == "" || userID == "" {
		return nil, false
	}
	return events.ClanMemberAdded{ClanID: clanID, UserID: userID}, true
}

func decodeContentCreated(row map[string]interface{}) (events.Event, bool) {
	contentID, _ := row["id"].(string)
	if contentID == "" {
		return nil, false
	}
	var tags []string
	if rawTags, ok := row["tags"].([]interface{}); ok {
		for _, t := range rawTags {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	return events.ContentCreated{ContentID: contentID, Tags: tags}, true
}
