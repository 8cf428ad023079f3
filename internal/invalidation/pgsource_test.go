package invalidation

import "testing"

func TestDecodeVoteCast(t *testing.T) {
	ev, ok := decodeVoteCast(map[string]interface{}{"content_id": "c1", "user_id": "u1", "clan_id": "cl1"})
	if !ok {
		t.Fatal("decodeVoteCast() ok = false, want true")
	}
	if ev.EventType() != "vote:cast" {
		t.Errorf("EventType() = %q, want %q", ev.EventType(), "vote:cast")
	}
}

func TestDecodeVoteCastMissingContentID(t *testing.T) {
	if _, ok := decodeVoteCast(map[string]interface{}{"user_id": "u1"}); ok {
		t.Error("decodeVoteCast() ok = true, want false when content_id is absent")
	}
}

func TestDecodeClanMemberAdded(t *testing.T) {
	ev, ok := decodeClanMemberAdded(map[string]interface{}{"clan_id": "cl1", "user_id": "u1"})
	if !ok {
		t.Fatal("decodeClanMemberAdded() ok = false, want true")
	}
	if ev.PrimaryEntityID() != "cl1" {
		t.Errorf("PrimaryEntityID() = %q, want cl1", ev.PrimaryEntityID())
	}
}

func TestDecodeContentCreatedWithTags(t *testing.T) {
	ev, ok := decodeContentCreated(map[string]interface{}{
		"id":   "content1",
		"tags": []interface{}{"meme", "clip"},
	})
	if !ok {
		t.Fatal("decodeContentCreated() ok = false, want true")
	}
	if ev.PrimaryEntityID() != "content1" {
		t.Errorf("PrimaryEntityID() = %q, want content1", ev.PrimaryEntityID())
	}
}
