package rtchat

import (
	"context"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// Session wires one authenticated user's sync engines together: the REST
// client, the realtime connection, the event dispatcher fanning frames out,
// and the roster and conversation engines consuming them independently. The
// credential is held for the lifetime of the session only and never
// persisted.
type Session struct {
	Client       *Client
	Dispatcher   *Dispatcher
	Conn         *ConnManager
	Roster       *Roster
	Conversation *Conversation

	cred Credential
	log  zerolog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	log        zerolog.Logger
	clientOpts []ClientOption
	connOpts   []ConnOption
	rosterOpts []RosterOption
}

// WithSessionLogger sets the logger shared by all engines.
func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = log }
}

// WithClientOptions forwards options to the REST client.
func WithClientOptions(opts ...ClientOption) SessionOption {
	return func(c *sessionConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithConnOptions forwards options to the connection manager.
func WithConnOptions(opts ...ConnOption) SessionOption {
	return func(c *sessionConfig) { c.connOpts = append(c.connOpts, opts...) }
}

// WithRosterOptions forwards options to the roster engine.
func WithRosterOptions(opts ...RosterOption) SessionOption {
	return func(c *sessionConfig) { c.rosterOpts = append(c.rosterOpts, opts...) }
}

// NewSession builds the engines for one credential against baseURL.
func NewSession(baseURL string, cred Credential, opts ...SessionOption) *Session {
	cfg := sessionConfig{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	client := NewClient(baseURL, cred.Token, append([]ClientOption{WithLogger(cfg.log)}, cfg.clientOpts...)...)
	dispatcher := NewDispatcher(cfg.log)
	conn := NewConnManager(baseURL, dispatcher, append([]ConnOption{WithConnLogger(cfg.log)}, cfg.connOpts...)...)
	roster := NewRoster(client, dispatcher, cred.UserID, append([]RosterOption{WithRosterLogger(cfg.log)}, cfg.rosterOpts...)...)
	conversation := NewConversation(client, dispatcher, cred.UserID, cfg.log)

	return &Session{
		Client:       client,
		Dispatcher:   dispatcher,
		Conn:         conn,
		Roster:       roster,
		Conversation: conversation,
		cred:         cred,
		log:          cfg.log,
	}
}

// Start connects the realtime socket and performs the initial roster load.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Conn.Connect(ctx, s.cred); err != nil {
		return err
	}
	return s.Roster.Start(ctx)
}

// OpenConversation makes counterpartID the active conversation: its unread
// counter resets immediately and its history loads fresh.
func (s *Session) OpenConversation(ctx context.Context, counterpartID string, limit int) error {
	s.Roster.SetActive(counterpartID)
	return s.Conversation.Open(ctx, counterpartID, limit)
}

// Close is the logout teardown: normal socket closure with no reconnect,
// timers cancelled, and all in-memory conversation and roster state
// discarded.
func (s *Session) Close() {
	s.Conn.Disconnect()
	s.Roster.Close()
	s.Conversation.Close()
	s.cred = Credential{}
}
