package rtchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Send preconditions.
var (
	// ErrEmptyMessage is returned when a send carries neither text nor media.
	ErrEmptyMessage = errors.New("message has no content and no media")
	// ErrNotAddressed is returned when no conversation is open.
	ErrNotAddressed = errors.New("no counterpart addressed")
	// ErrSendInFlight is returned while a previous send is unresolved; at
	// most one outbound send per conversation may be in flight.
	ErrSendInFlight = errors.New("a send is already in flight")
)

// ConversationAPI is the slice of the REST contract the reconciliation
// engine depends on. *Client satisfies it.
type ConversationAPI interface {
	History(ctx context.Context, counterpartID string, limit, offset int) ([]Message, error)
	Send(ctx context.Context, req SendRequest) (*Message, error)
	UploadMedia(ctx context.Context, fileName string, r io.Reader) (*MediaRef, error)
}

// MediaUpload is an attachment pending upload.
type MediaUpload struct {
	FileName string
	Reader   io.Reader
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation reconciles the message list of the currently open
// conversation under its three concurrent write sources: optimistic local
// sends, realtime pushes, and history fetches. The visible list is always
// sorted non-decreasingly by creation timestamp with unique ids, whatever
// the interleaving.
//
// Switching counterparts with Open discards the previous view; a history
// response that arrives after a switch is detected by its interest token and
// dropped.
type Conversation struct {
	api    ConversationAPI
	selfID string
	log    zerolog.Logger

	mu            sync.Mutex
	counterpartID string
	messages      []Message
	gen           int // interest token, bumped on every Open
	loading       bool
	sending       bool

	cancelSub func()
}

// NewConversation creates a reconciliation engine for selfID and subscribes
// it to d. Call Close to unsubscribe.
func NewConversation(api ConversationAPI, d *Dispatcher, selfID string, log zerolog.Logger) *Conversation {
	c := &Conversation{
		api:    api,
		selfID: selfID,
		log:    log,
	}
	c.cancelSub = d.Subscribe(func(ev Event) {
		if m, ok := ev.(MessageArrived); ok {
			c.onMessageArrived(m.Message)
		}
	})
	return c
}

// Close unsubscribes the engine from the event stream.
func (c *Conversation) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
		c.cancelSub = nil
	}
}

// CounterpartID returns the currently open counterpart, or "".
func (c *Conversation) CounterpartID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpartID
}

// Loading reports whether a history fetch is in flight.
func (c *Conversation) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Messages returns a snapshot of the ordered message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Open switches the active conversation to counterpartID. The previous view
// is discarded, not merged; reopening a conversation always reloads fresh
// history.
func (c *Conversation) Open(ctx context.Context, counterpartID string, limit int) error {
	c.mu.Lock()
	c.counterpartID = counterpartID
	c.messages = nil
	c.gen++
	c.mu.Unlock()
	return c.LoadHistory(ctx, limit, 0)
}

// LoadHistory fetches one page of history (server order: newest-first),
// reverses it to chronological order, and replaces the list wholesale. A
// response that completes after the user switched conversations is stale and
// discarded.
func (c *Conversation) LoadHistory(ctx context.Context, limit, offset int) error {
	c.mu.Lock()
	counterpart := c.counterpartID
	token := c.gen
	c.loading = true
	c.mu.Unlock()

	if counterpart == "" {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
		return ErrNotAddressed
	}

	history, err := c.api.History(ctx, counterpart, limit, offset)

	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.gen {
		c.log.Debug().Str("counterpart_id", counterpart).Msg("discarding stale history response")
		return nil
	}
	c.loading = false
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	ordered := make([]Message, len(history))
	for i, m := range history {
		ordered[len(history)-1-i] = m
	}
	c.messages = ordered
	return nil
}

// Send performs an optimistic send: a placeholder appears at the tail of the
// list immediately and is exactly replaced by the server-confirmed message,
// or removed again on failure so the caller can retry with the same content.
// If media is present it is uploaded first; an upload failure aborts the
// send before any text reaches the backend.
func (c *Conversation) Send(ctx context.Context, content string, media *MediaUpload) (*Message, error) {
	if content == "" && media == nil {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.counterpartID == "" {
		c.mu.Unlock()
		return nil, ErrNotAddressed
	}
	if c.sending {
		c.mu.Unlock()
		return nil, ErrSendInFlight
	}
	c.sending = true
	counterpart := c.counterpartID
	token := c.gen

	placeholder := Message{
		ID:         "local-" + uuid.NewString(),
		Content:    content,
		SenderID:   c.selfID,
		ReceiverID: counterpart,
		CreatedAt:  time.Now(),
		Pending:    true,
	}
	c.messages = append(c.messages, placeholder)
	c.mu.Unlock()

	req := SendRequest{Content: content, ReceiverID: counterpart}
	if media != nil {
		ref, err := c.api.UploadMedia(ctx, media.FileName, media.Reader)
		if err != nil {
			c.rollback(placeholder.ID, token)
			return nil, fmt.Errorf("media upload: %w", err)
		}
		req.MediaURL = ref.URL
		req.MediaType = ref.ContentType
	}

	confirmed, err := c.api.Send(ctx, req)
	if err != nil {
		c.rollback(placeholder.ID, token)
		return nil, fmt.Errorf("send message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	if token != c.gen {
		// The user switched away mid-send; the optimistic view is gone.
		return confirmed, nil
	}
	c.messages = lo.Filter(c.messages, func(m Message, _ int) bool {
		return m.ID != placeholder.ID
	})
	// The confirmed copy may already be present if its realtime push beat
	// the HTTP response.
	if !lo.ContainsBy(c.messages, func(m Message) bool { return m.ID == confirmed.ID }) {
		c.messages = append(c.messages, *confirmed)
		c.resort()
	}
	return confirmed, nil
}

// rollback removes a placeholder after a failed send, leaving the list
// exactly as it was before the operation began.
func (c *Conversation) rollback(placeholderID string, token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	if token != c.gen {
		return
	}
	c.messages = lo.Filter(c.messages, func(m Message, _ int) bool {
		return m.ID != placeholderID
	})
}

// onMessageArrived applies a realtime push. Messages for other conversations
// are ignored; inserts are idempotent by id, so the push for a message whose
// HTTP confirmation already landed is dropped.
func (c *Conversation) onMessageArrived(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counterpartID == "" || !c.belongs(m) {
		return
	}
	if lo.ContainsBy(c.messages, func(e Message) bool { return e.ID == m.ID }) {
		return
	}
	c.messages = append(c.messages, m)
	c.resort()
}

// belongs reports whether m is part of the open conversation: either
// direction of the counterpart/self pair, or the counterpart group.
func (c *Conversation) belongs(m Message) bool {
	if m.GroupID != "" {
		return m.GroupID == c.counterpartID
	}
	fromCounterpart := m.SenderID == c.counterpartID && m.ReceiverID == c.selfID
	toCounterpart := m.SenderID == c.selfID && m.ReceiverID == c.counterpartID
	return fromCounterpart || toCounterpart
}

// resort restores chronological order. The sort is stable: equal timestamps
// keep arrival order.
func (c *Conversation) resort() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}
