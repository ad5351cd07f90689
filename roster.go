package rtchat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const defaultRosterRefresh = 30 * time.Second

// RosterAPI is the slice of the REST contract the roster engine depends on.
// *Client satisfies it.
type RosterAPI interface {
	Roster(ctx context.Context) ([]RosterItem, error)
	Lookup(ctx context.Context, id string) (*Identity, error)
}

// ============================================================================
// Roster
// ============================================================================

// Roster maintains the contact list: one summary entry per counterpart the
// user has exchanged messages with, derived from an initial bulk load plus
// the live event stream. The list is kept sorted descending by last-message
// timestamp, entries without a message last.
type Roster struct {
	api             RosterAPI
	selfID          string
	log             zerolog.Logger
	refreshInterval time.Duration

	mu       sync.Mutex
	entries  []*RosterEntry
	online   map[string]bool
	activeID string

	cancelSub func()
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// RosterOption configures a Roster.
type RosterOption func(*Roster)

// WithRefreshInterval overrides the periodic full-reload interval. The
// periodic reload is a correctness fallback against missed realtime events.
func WithRefreshInterval(d time.Duration) RosterOption {
	return func(r *Roster) { r.refreshInterval = d }
}

// WithRosterLogger sets the roster's logger.
func WithRosterLogger(log zerolog.Logger) RosterOption {
	return func(r *Roster) { r.log = log }
}

// NewRoster creates a roster engine for selfID and subscribes it to d.
func NewRoster(api RosterAPI, d *Dispatcher, selfID string, opts ...RosterOption) *Roster {
	r := &Roster{
		api:             api,
		selfID:          selfID,
		log:             zerolog.Nop(),
		refreshInterval: defaultRosterRefresh,
		online:          make(map[string]bool),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cancelSub = d.Subscribe(func(ev Event) {
		switch e := ev.(type) {
		case MessageArrived:
			r.onMessageArrived(e.Message)
		case PresenceChanged:
			r.onPresenceChanged(e.IdentityID, e.Online)
		}
	})
	return r
}

// Start launches the periodic refresh loop. It returns after the initial
// load attempt; a failed initial load is transient and retried on the next
// tick.
func (r *Roster) Start(ctx context.Context) error {
	err := r.Load(ctx)
	go r.refreshLoop(ctx)
	return err
}

// Close unsubscribes from the event stream, stops the refresh loop, and
// discards all roster state.
func (r *Roster) Close() {
	if r.cancelSub != nil {
		r.cancelSub()
		r.cancelSub = nil
	}
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	r.entries = nil
	r.online = make(map[string]bool)
	r.activeID = ""
	r.mu.Unlock()
}

func (r *Roster) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Load(ctx); err != nil {
				r.log.Warn().Err(err).Msg("roster refresh failed")
			}
		}
	}
}

// Load fetches the server-side roster snapshot, overlays the locally tracked
// online set, and replaces the local roster wholesale.
func (r *Roster) Load(ctx context.Context) error {
	items, err := r.api.Roster(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := lo.KeyBy(r.entries, func(e *RosterEntry) string { return e.Identity.ID })
	entries := make([]*RosterEntry, 0, len(items))
	for _, item := range items {
		e := &RosterEntry{
			Identity:    item.User,
			LastMessage: item.LastMessage,
			Online:      r.online[item.User.ID],
		}
		// Unread counters are local state; the snapshot does not carry them.
		if old, ok := prev[item.User.ID]; ok && item.User.ID != r.activeID {
			e.Unread = old.Unread
		}
		entries = append(entries, e)
	}
	r.entries = entries
	r.resort()
	return nil
}

// Entries returns a sorted snapshot of the roster.
func (r *Roster) Entries() []RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RosterEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// ActiveID returns the counterpart of the currently active conversation.
func (r *Roster) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// SetActive marks counterpartID as the active conversation and resets its
// unread counter to zero immediately, independent of any server-side read
// acknowledgment. Pass "" when no conversation is open.
func (r *Roster) SetActive(counterpartID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = counterpartID
	if e := r.find(counterpartID); e != nil {
		e.Unread = 0
	}
}

// ============================================================================
// Event handlers
// ============================================================================

// onMessageArrived folds one message into the summary state of its
// counterpart. Out-of-order pushes never regress the stored last message,
// and unread only grows for inbound unread messages of inactive
// conversations.
func (r *Roster) onMessageArrived(m Message) {
	counterpart := m.Counterpart(r.selfID)
	if counterpart == "" {
		return
	}
	inbound := m.SenderID != r.selfID

	r.mu.Lock()
	e := r.find(counterpart)
	if e != nil {
		if e.LastMessage == nil || !m.CreatedAt.Before(e.LastMessage.CreatedAt) {
			msg := m
			e.LastMessage = &msg
		}
		if counterpart == r.activeID {
			e.Unread = 0
		} else if inbound && !m.IsRead {
			e.Unread++
		}
		r.resort()
		r.mu.Unlock()
		return
	}

	msg := m
	e = &RosterEntry{
		LastMessage: &msg,
		Online:      r.online[counterpart],
	}
	if inbound && m.Sender != nil && m.Sender.ID == counterpart {
		e.Identity = *m.Sender
	} else {
		// The snapshot on the message is our own (outbound) or a group
		// member's, not the counterpart's, so resolve the identity lazily.
		e.Identity = Identity{ID: counterpart}
	}
	if inbound && !m.IsRead && counterpart != r.activeID {
		e.Unread = 1
	}
	r.entries = append(r.entries, e)
	r.resort()
	needsLookup := e.Identity.Partial()
	r.mu.Unlock()

	if needsLookup {
		go r.resolveIdentity(counterpart)
	}
}

// resolveIdentity patches a placeholder entry once the lookup answers. The
// roster update never blocked on it.
func (r *Roster) resolveIdentity(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	identity, err := r.api.Lookup(ctx, id)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", id).Msg("identity lookup failed")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(id); e != nil && e.Identity.Partial() {
		e.Identity = *identity
	}
}

// onPresenceChanged tracks the online set and patches any matching entry.
// Presence for counterparts not yet in the roster is dropped, not buffered.
func (r *Roster) onPresenceChanged(identityID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.online[identityID] = true
	} else {
		delete(r.online, identityID)
	}
	if e := r.find(identityID); e != nil {
		e.Online = online
	}
}

// ============================================================================
// Internals
// ============================================================================

// find returns the entry for id, or nil. Caller holds the mutex.
func (r *Roster) find(id string) *RosterEntry {
	e, _ := lo.Find(r.entries, func(e *RosterEntry) bool { return e.Identity.ID == id })
	return e
}

// resort restores the roster invariant: descending by last-message
// timestamp, entries without a message last. Caller holds the mutex.
func (r *Roster) resort() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i].LastMessage, r.entries[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
}
