// Package typing handles ephemeral typing signals in both directions:
// outbound keystroke coalescing with an idle timeout, and inbound tracking
// with expiry. Nothing here is persisted; typing state is best effort and
// loses nothing if dropped.
package typing

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameSender delivers a typing frame to the server. Send errors are
// logged and swallowed; a lost typing signal is not an error condition.
type FrameSender interface {
	SendTyping(conversationID string, typing bool) error
}

// Notifier coalesces local keystrokes into start/stop typing frames. A
// burst of keystrokes produces one start frame; a stop frame follows when
// the user goes idle or sends the message.
type Notifier struct {
	mu      sync.Mutex
	sender  FrameSender
	limiter *rate.Limiter
	idle    time.Duration
	timers  map[string]*time.Timer
	logger  *zap.Logger
}

// NewNotifier creates a notifier. idle is how long after the last
// keystroke the stop frame fires; perSecond/burst bound start frames.
func NewNotifier(sender FrameSender, idle time.Duration, perSecond float64, burst int, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idle <= 0 {
		idle = 3 * time.Second
	}
	return &Notifier{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		idle:    idle,
		timers:  make(map[string]*time.Timer),
		logger:  logger,
	}
}

// Typing records a keystroke. The first keystroke of a burst emits a start
// frame; subsequent ones only push the idle deadline forward.
func (n *Notifier) Typing(conversationID string) {
	if conversationID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if timer, ok := n.timers[conversationID]; ok {
		timer.Reset(n.idle)
		return
	}

	// A rate-limited start frame leaves no burst registered, so the next
	// keystroke tries again instead of silently extending a burst the
	// server never heard about.
	if !n.limiter.Allow() {
		return
	}
	n.timers[conversationID] = time.AfterFunc(n.idle, func() {
		n.expire(conversationID)
	})
	n.send(conversationID, true)
}

// Stop ends the typing burst immediately, as when the message is sent.
// A no-op when no burst is active.
func (n *Notifier) Stop(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	timer, ok := n.timers[conversationID]
	if !ok {
		return
	}
	timer.Stop()
	delete(n.timers, conversationID)
	n.send(conversationID, false)
}

// Close cancels all pending idle timers.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, timer := range n.timers {
		timer.Stop()
		delete(n.timers, id)
	}
}

func (n *Notifier) expire(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.timers[conversationID]; !ok {
		return
	}
	delete(n.timers, conversationID)
	n.send(conversationID, false)
}

func (n *Notifier) send(conversationID string, typing bool) {
	if n.sender == nil {
		return
	}
	if err := n.sender.SendTyping(conversationID, typing); err != nil {
		n.logger.Debug("typing frame not delivered", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Tracker records which remote users are typing in which conversation.
// Entries expire after a TTL so a lost stop signal cannot leave a typing
// indicator stuck.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]map[string]time.Time
	now     func() time.Time
}

// NewTracker creates a tracker with the given entry TTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Tracker{
		ttl:     ttl,
		entries: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Apply records an inbound typing signal.
func (t *Tracker) Apply(conversationID, userID string, typing bool) {
	if conversationID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[conversationID]
	if !typing {
		if ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(t.entries, conversationID)
			}
		}
		return
	}
	if !ok {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	users[userID] = t.now().Add(t.ttl)
}

// Typists returns the users currently typing in a conversation, expiring
// stale entries on the way.
func (t *Tracker) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.entries[conversationID]
	if !ok {
		return nil
	}
	now := t.now()
	var out []string
	for id, expiry := range users {
		if now.After(expiry) {
			delete(users, id)
			continue
		}
		out = append(out, id)
	}
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	sort.Strings(out)
	return out
}
