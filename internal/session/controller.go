// Package session implements the conversation session controller: the
// exchange engine that drives one widget instance on top of its identity
// manager and history store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"

	"github.com/ashureev/chat-widget/internal/backend"
	"github.com/ashureev/chat-widget/internal/domain"
	"github.com/ashureev/chat-widget/internal/history"
	"github.com/ashureev/chat-widget/internal/identity"
	"github.com/ashureev/chat-widget/internal/store"
)

// ErrInvalidProfile is returned by EstablishProfile for a missing name or a
// malformed email address.
var ErrInvalidProfile = errors.New("invalid profile")

// View is the read-only state the renderer draws from.
type View struct {
	State    domain.SessionState         `json:"state"`
	Loading  bool                        `json:"loading"`
	Greeting string                      `json:"greeting,omitempty"`
	Messages []domain.Message            `json:"messages"`
	Identity domain.ConversationIdentity `json:"identity"`
}

// Controller is the session controller of one widget instance.
//
// All state transitions and storage writes happen under mu; network calls
// happen outside it. Each request carries the epoch current when it was
// issued, and its result is dropped if EndConversation bumped the epoch in
// the meantime.
type Controller struct {
	mu       sync.Mutex
	opts     Options
	backend  backend.Backend
	identity *identity.Manager
	history  *history.Store
	logger   *slog.Logger

	epoch    uint64
	revision uint64 // bumped on every log mutation
	inflight bool
	ended    bool

	subsMu  sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// New creates a Controller over kv. Call Load before use.
func New(kv store.KV, be backend.Backend, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = ErrorPolicyGeneric
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailureKeep
	}
	return &Controller{
		opts:     opts,
		backend:  be,
		identity: identity.NewManager(kv, opts.Strategy, logger),
		history:  history.New(kv, logger),
		logger:   logger,
		subs:     make(map[int]chan struct{}),
	}
}

// Load restores identity and history from storage. Reads ignore ctx
// cancellation. A failed read is returned and the controller must not be
// used: its empty state would overwrite what is stored on the next write.
func (c *Controller) Load(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	ident, identErr := c.identity.Load(ctx)
	histErr := c.history.Load(ctx)
	c.revision++
	c.ended = false
	count := c.history.Len()
	c.mu.Unlock()

	if err := errors.Join(identErr, histErr); err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	c.logger.Debug("Session loaded",
		"conversation_id", ident.ConversationID,
		"established", ident.Established,
		"messages", count,
	)
	c.notify()
	return nil
}

// State returns the derived session state.
func (c *Controller) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() domain.SessionState {
	switch {
	case c.ended:
		return domain.StateEnded
	case c.inflight:
		return domain.StateAwaitingResponse
	case c.opts.Onboarding && !c.identity.Identity().Established:
		return domain.StateFirstRun
	default:
		return domain.StateIdle
	}
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		State:    c.stateLocked(),
		Loading:  c.inflight,
		Greeting: c.opts.Greeting,
		Messages: c.history.Messages(),
		Identity: c.identity.Identity(),
	}
}

// SendMessage runs one exchange and blocks until it resolves. It returns
// false without doing anything if text is blank, a request is already in
// flight, or onboarding has not completed. Failures never escape: they become
// a bot message and the session returns to idle.
func (c *Controller) SendMessage(ctx context.Context, text string) bool {
	ex, ok := c.startExchange(ctx, text)
	if !ok {
		return false
	}
	c.finishExchange(ctx, ex)
	return true
}

// Submit is SendMessage without the wait. The exchange continues in the
// background after ctx is canceled; done is closed once it resolves.
func (c *Controller) Submit(ctx context.Context, text string) (done <-chan struct{}, accepted bool) {
	ex, ok := c.startExchange(ctx, text)
	if !ok {
		return nil, false
	}
	ch := make(chan struct{})
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(ch)
		c.finishExchange(ctx, ex)
	}()
	return ch, true
}

// exchange is a request issued by startExchange and not yet resolved.
type exchange struct {
	epoch     uint64
	userIndex int
	query     backend.Query
}

func (c *Controller) startExchange(ctx context.Context, text string) (exchange, bool) {
	if strings.TrimSpace(text) == "" {
		return exchange{}, false
	}

	c.mu.Lock()
	began := c.ended
	if began {
		c.beginLocked()
	}
	switch state := c.stateLocked(); state {
	case domain.StateAwaitingResponse, domain.StateFirstRun:
		c.mu.Unlock()
		c.logger.Debug("Ignoring message", "state", state)
		if began {
			c.notify()
		}
		return exchange{}, false
	}

	// Optimistic append; never rolled back under the keep policy.
	c.appendLocked(ctx, domain.UserMessage(text))

	c.inflight = true
	ex := exchange{
		epoch:     c.epoch,
		userIndex: c.history.Len() - 1,
		query: backend.Query{
			Prompt:         text,
			ConversationID: c.identity.Mint(ctx),
		},
	}
	c.mu.Unlock()
	c.notify()
	return ex, true
}

func (c *Controller) finishExchange(ctx context.Context, ex exchange) {
	reply, err := c.backend.Ask(ctx, ex.query)

	// The caller may cancel; the outcome is still recorded.
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	if ex.epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Info("Discarding response for ended conversation",
			"conversation_id", ex.query.ConversationID,
			"error", err,
		)
		return
	}
	if err != nil {
		c.applyFailureLocked(ctx, err, ex.userIndex)
	} else {
		c.applyReplyLocked(ctx, reply)
	}
	c.inflight = false
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) applyReplyLocked(ctx context.Context, reply *backend.Reply) {
	text := reply.Message
	if text == "" {
		text = NoResponseText
	}
	c.appendLocked(ctx, domain.BotMessage(text))

	if c.identity.Establish(ctx, reply.ConversationID, nil) {
		c.logger.Info("Conversation established",
			"conversation_id", c.identity.Identity().ConversationID,
			"strategy", c.identity.Strategy(),
			"request_id", reply.RequestID,
		)
	}
}

func (c *Controller) applyFailureLocked(ctx context.Context, err error, userIndex int) {
	c.logger.Warn("Exchange failed",
		"kind", backend.Classify(err),
		"timeout", backend.IsTimeout(err),
		"conversation_id", c.identity.Identity().ConversationID,
		"error", err,
	)

	if c.opts.FailurePolicy == FailureRetract {
		if truncErr := c.history.Truncate(ctx, userIndex); truncErr != nil {
			c.logger.Error("Failed to persist retracted log", "error", truncErr)
		}
		c.revision++
	}
	c.appendLocked(ctx, domain.BotMessage(c.failureText(err)))
}

func (c *Controller) failureText(err error) string {
	if c.opts.ErrorPolicy == ErrorPolicyVerbatim {
		var serverErr *backend.ServerError
		if errors.As(err, &serverErr) {
			if detail := serverErr.Detail(); detail != "" {
				return detail
			}
		}
	}
	return FailureText
}

func (c *Controller) appendLocked(ctx context.Context, msg domain.Message) {
	if err := c.history.Append(ctx, msg); err != nil {
		c.logger.Error("Failed to persist message log", "error", err, "sender", msg.Sender)
	}
	c.revision++
}

// Open is called when the widget is opened. It starts a fresh session after
// an ended one and, when history fetching is configured, refreshes the log
// from the server. A fetch failure is logged and leaves the log untouched.
func (c *Controller) Open(ctx context.Context) {
	c.mu.Lock()
	began := false
	if c.ended {
		c.beginLocked()
		began = true
	}
	fetch := c.opts.FetchHistory && c.identity.Identity().HasConversationID()
	c.mu.Unlock()

	if began {
		c.notify()
	}
	if !fetch {
		return
	}
	if err := c.FetchHistory(ctx); err != nil {
		c.logger.Warn("History fetch failed, keeping local log",
			"kind", backend.Classify(err),
			"error", err,
		)
	}
}

// FetchHistory replaces the log with the server's copy. It does nothing when
// no conversation id exists. The result is dropped if the log changed while
// the request was outstanding.
func (c *Controller) FetchHistory(ctx context.Context) error {
	c.mu.Lock()
	id := c.identity.Identity().ConversationID
	epoch, revision := c.epoch, c.revision
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	messages, err := c.backend.History(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	c.mu.Lock()
	if epoch != c.epoch || revision != c.revision || c.inflight {
		c.mu.Unlock()
		c.logger.Info("Discarding stale history", "conversation_id", id)
		return nil
	}
	err = c.history.ReplaceAll(context.WithoutCancel(ctx), messages)
	c.revision++
	c.mu.Unlock()
	c.notify()

	if err != nil {
		return fmt.Errorf("persist fetched history: %w", err)
	}
	c.logger.Debug("History replaced from server", "conversation_id", id, "messages", len(messages))
	return nil
}

// EndConversation clears history and identity. It is safe in any state; a
// request still in flight completes but its result is discarded.
func (c *Controller) EndConversation(ctx context.Context) error {
	c.mu.Lock()
	ended := c.identity.Identity().ConversationID
	c.epoch++
	c.inflight = false
	err := errors.Join(
		c.history.Clear(ctx),
		c.identity.Reset(ctx),
	)
	c.revision++
	c.ended = true
	c.mu.Unlock()
	c.notify()

	c.logger.Info("Conversation ended", "conversation_id", ended)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

// EstablishProfile records the onboarding profile. A second profile is
// ignored.
func (c *Controller) EstablishProfile(ctx context.Context, name, email string) error {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return fmt.Errorf("%w: email %q", ErrInvalidProfile, email)
	}

	c.mu.Lock()
	if c.ended {
		c.beginLocked()
	}
	changed := c.identity.Establish(ctx, "", &domain.Profile{Name: name, Email: email})
	c.mu.Unlock()

	if changed {
		c.logger.Info("Profile established")
		c.notify()
	}
	return nil
}

// beginLocked leaves the ended state; the derived state becomes first_run
// or idle depending on onboarding.
func (c *Controller) beginLocked() {
	c.ended = false
	c.logger.Debug("Starting new session", "onboarding", c.opts.Onboarding)
}

// Subscribe returns a channel that receives a signal after every change and
// a function that cancels the subscription. Signals are coalesced.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

func (c *Controller) notify() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
