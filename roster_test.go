package rtchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRosterAPI is a scriptable RosterAPI.
type fakeRosterAPI struct {
	mu      sync.Mutex
	roster  func() ([]RosterItem, error)
	lookup  func(id string) (*Identity, error)
	lookups []string
}

func (f *fakeRosterAPI) Roster(context.Context) ([]RosterItem, error) {
	if f.roster == nil {
		return nil, nil
	}
	return f.roster()
}

func (f *fakeRosterAPI) Lookup(_ context.Context, id string) (*Identity, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, id)
	f.mu.Unlock()
	if f.lookup == nil {
		return nil, errors.New("no lookup scripted")
	}
	return f.lookup(id)
}

var rosterBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entryIDs(entries []RosterEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Identity.ID
	}
	return ids
}

func TestRosterLoad(t *testing.T) {
	last := msgAt("m1", "u2", "u1", "hi", rosterBase)
	api := &fakeRosterAPI{
		roster: func() ([]RosterItem, error) {
			return []RosterItem{
				{User: Identity{ID: "u3", Username: "bek"}},
				{User: Identity{ID: "u2", Username: "dina"}, LastMessage: &last},
			}, nil
		},
	}
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(api, d, "u1")
	defer r.Close()

	// Presence learned before the load is overlaid onto the snapshot.
	d.Publish(PresenceChanged{IdentityID: "u2", Online: true})
	require.NoError(t, r.Load(context.Background()))

	entries := r.Entries()
	require.Len(t, entries, 2)
	// Entries with a message sort before entries without one.
	assert.Equal(t, []string{"u2", "u3"}, entryIDs(entries))
	assert.True(t, entries[0].Online)
	assert.False(t, entries[1].Online)
}

func TestRosterLoadPreservesUnread(t *testing.T) {
	api := &fakeRosterAPI{
		roster: func() ([]RosterItem, error) {
			return []RosterItem{
				{User: Identity{ID: "u2", Username: "dina"}},
				{User: Identity{ID: "u3", Username: "bek"}},
			}, nil
		},
	}
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(api, d, "u1")
	defer r.Close()
	require.NoError(t, r.Load(context.Background()))

	d.Publish(MessageArrived{Message: msgAt("m1", "u2", "u1", "hi", rosterBase)})
	d.Publish(MessageArrived{Message: msgAt("m2", "u2", "u1", "there", rosterBase.Add(time.Second))})

	require.NoError(t, r.Load(context.Background()))
	entries := r.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.Identity.ID == "u2" {
			assert.Equal(t, 2, e.Unread, "refresh must not wipe the local unread counter")
		}
	}
}

func TestInboundMessageCreatesEntry(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{}, d, "u1")
	defer r.Close()

	m := msgAt("m1", "u2", "u1", "hello", rosterBase)
	m.Sender = &Identity{ID: "u2", Username: "dina", FullName: "Dina R"}
	d.Publish(MessageArrived{Message: m})

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "dina", entries[0].Identity.Username)
	assert.Equal(t, 1, entries[0].Unread)
	require.NotNil(t, entries[0].LastMessage)
	assert.Equal(t, "m1", entries[0].LastMessage.ID)
}

func TestUnreadRules(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{}, d, "u1")
	defer r.Close()

	t.Run("inbound unread increments", func(t *testing.T) {
		d.Publish(MessageArrived{Message: msgAt("m1", "u2", "u1", "a", rosterBase)})
		d.Publish(MessageArrived{Message: msgAt("m2", "u2", "u1", "b", rosterBase.Add(time.Second))})
		entries := r.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, 2, entries[0].Unread)
	})

	t.Run("outbound does not increment", func(t *testing.T) {
		d.Publish(MessageArrived{Message: msgAt("m3", "u1", "u2", "c", rosterBase.Add(2*time.Second))})
		assert.Equal(t, 2, r.Entries()[0].Unread)
	})

	t.Run("already-read inbound does not increment", func(t *testing.T) {
		m := msgAt("m4", "u2", "u1", "d", rosterBase.Add(3*time.Second))
		m.IsRead = true
		d.Publish(MessageArrived{Message: m})
		assert.Equal(t, 2, r.Entries()[0].Unread)
	})

	t.Run("active conversation stays at zero", func(t *testing.T) {
		r.SetActive("u2")
		assert.Equal(t, 0, r.Entries()[0].Unread, "activation resets the counter")
		d.Publish(MessageArrived{Message: msgAt("m5", "u2", "u1", "e", rosterBase.Add(4*time.Second))})
		assert.Equal(t, 0, r.Entries()[0].Unread)
	})
}

func TestLastMessageNeverRegresses(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{}, d, "u1")
	defer r.Close()

	d.Publish(MessageArrived{Message: msgAt("newer", "u2", "u1", "b", rosterBase.Add(time.Minute))})
	d.Publish(MessageArrived{Message: msgAt("older", "u2", "u1", "a", rosterBase)})

	entries := r.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].LastMessage)
	assert.Equal(t, "newer", entries[0].LastMessage.ID)
	// The late older message still counts as unread.
	assert.Equal(t, 2, entries[0].Unread)
}

func TestRosterSortFollowsActivity(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{}, d, "u1")
	defer r.Close()

	d.Publish(MessageArrived{Message: msgAt("m1", "u2", "u1", "a", rosterBase)})
	d.Publish(MessageArrived{Message: msgAt("m2", "u3", "u1", "b", rosterBase.Add(time.Minute))})
	assert.Equal(t, []string{"u3", "u2"}, entryIDs(r.Entries()))

	// New activity moves the counterpart back to the top.
	d.Publish(MessageArrived{Message: msgAt("m3", "u2", "u1", "c", rosterBase.Add(2*time.Minute))})
	assert.Equal(t, []string{"u2", "u3"}, entryIDs(r.Entries()))
}

func TestOutboundToUnknownCounterpartResolvesIdentity(t *testing.T) {
	api := &fakeRosterAPI{
		lookup: func(id string) (*Identity, error) {
			return &Identity{ID: id, Username: "bek", FullName: "Bek T"}, nil
		},
	}
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(api, d, "u1")
	defer r.Close()

	// Our own snapshot rides on outbound messages, so it must not be used for
	// the counterpart's entry.
	m := msgAt("m1", "u1", "u3", "yo", rosterBase)
	m.Sender = &Identity{ID: "u1", Username: "me"}
	d.Publish(MessageArrived{Message: m})

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "u3", entries[0].Identity.ID)
	assert.Equal(t, 0, entries[0].Unread)

	require.Eventually(t, func() bool {
		es := r.Entries()
		return len(es) == 1 && es[0].Identity.Username == "bek"
	}, 2*time.Second, 5*time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"u3"}, api.lookups)
}

func TestInboundWithSnapshotSkipsLookup(t *testing.T) {
	api := &fakeRosterAPI{}
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(api, d, "u1")
	defer r.Close()

	m := msgAt("m1", "u2", "u1", "hello", rosterBase)
	m.Sender = &Identity{ID: "u2", Username: "dina"}
	d.Publish(MessageArrived{Message: m})

	time.Sleep(20 * time.Millisecond)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.lookups)
}

func TestPresence(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{}, d, "u1")
	defer r.Close()

	// Presence for an unknown counterpart creates no entry.
	d.Publish(PresenceChanged{IdentityID: "u9", Online: true})
	assert.Empty(t, r.Entries())

	d.Publish(MessageArrived{Message: msgAt("m1", "u2", "u1", "hi", rosterBase)})
	d.Publish(PresenceChanged{IdentityID: "u2", Online: true})
	assert.True(t, r.Entries()[0].Online)

	d.Publish(PresenceChanged{IdentityID: "u2", Online: false})
	assert.False(t, r.Entries()[0].Online)
}

func TestSetActiveResetsUnread(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{}, d, "u1")
	defer r.Close()

	d.Publish(MessageArrived{Message: msgAt("m1", "u2", "u1", "hi", rosterBase)})
	require.Equal(t, 1, r.Entries()[0].Unread)

	r.SetActive("u2")
	assert.Equal(t, "u2", r.ActiveID())
	assert.Equal(t, 0, r.Entries()[0].Unread)

	r.SetActive("")
	assert.Equal(t, "", r.ActiveID())
}

func TestStartRetriesFailedInitialLoad(t *testing.T) {
	var calls int
	var mu sync.Mutex
	api := &fakeRosterAPI{
		roster: func() ([]RosterItem, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("backend warming up")
			}
			return []RosterItem{{User: Identity{ID: "u2", Username: "dina"}}}, nil
		},
	}
	r := NewRoster(api, NewDispatcher(zerolog.Nop()), "u1",
		WithRefreshInterval(10*time.Millisecond))
	defer r.Close()

	require.Error(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(r.Entries()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGroupMessageKeysEntryByGroup(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	r := NewRoster(&fakeRosterAPI{lookup: func(id string) (*Identity, error) {
		return &Identity{ID: id, Username: "devs"}, nil
	}}, d, "u1")
	defer r.Close()

	m := msgAt("m1", "u5", "", "standup?", rosterBase)
	m.GroupID = "g1"
	m.Sender = &Identity{ID: "u5", Username: "bek"}
	d.Publish(MessageArrived{Message: m})

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "g1", entries[0].Identity.ID)
	assert.Equal(t, 1, entries[0].Unread)
}
