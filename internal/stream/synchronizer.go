// Package stream holds the per-conversation message cache and the merge
// logic that keeps it consistent across three producers: history pages
// fetched from the server, live push events, and the optimistic send
// pipeline. All three funnel through the Synchronizer so reconciliation
// happens in exactly one place regardless of arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/metrics"
	"github.com/Phuociter/medichat/internal/store"
)

// ErrNotActive is returned when a page load targets a conversation other
// than the currently active one.
var ErrNotActive = errors.New("conversation is not active")

// Outcome is the result of an optimistic send: either a server-confirmed
// durable message or a failure reason.
type Outcome struct {
	durable *store.Message
	reason  error
}

// Confirmed wraps the durable message the server returned for a send.
func Confirmed(m *store.Message) Outcome {
	return Outcome{durable: m}
}

// Failed wraps a send failure.
func Failed(err error) Outcome {
	return Outcome{reason: err}
}

// Synchronizer owns the active conversation's message list, newest first.
// Entries for inactive conversations live only in the cache db; switching
// conversations resets the in-memory arena without touching in-flight
// sends, whose records are keyed independently of "active".
type Synchronizer struct {
	mu       sync.Mutex
	db       *store.DB
	gw       gateway.Client
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	window   time.Duration
	pageSize int

	active  string
	msgs    []*store.Message
	byID    map[string]*store.Message
	total   int
	hasMore bool
}

// New creates a synchronizer. window is the self-sent push dedup window.
func New(db *store.DB, gw gateway.Client, b *bus.Bus, logger *zap.Logger, selfID string, window time.Duration, pageSize int) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Synchronizer{
		db:       db,
		gw:       gw,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
		window:   window,
		pageSize: pageSize,
		byID:     make(map[string]*store.Message),
	}
}

// SetActive switches the active conversation and resets the in-memory
// message arena. Pushes for the previous conversation now fall through to
// the directory path. id may be empty for a new, not-yet-created thread.
func (s *Synchronizer) SetActive(id string) {
	s.mu.Lock()
	s.active = id
	s.msgs = nil
	s.byID = make(map[string]*store.Message)
	s.total = 0
	s.hasMore = false
	s.mu.Unlock()
}

// Active returns the currently active conversation ID.
func (s *Synchronizer) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// BindConversation assigns a server-created conversation ID to an unsaved
// thread after its first message is confirmed.
func (s *Synchronizer) BindConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" || id == "" {
		return
	}
	s.active = id
	for _, m := range s.msgs {
		m.ConversationID = id
	}
}

// LoadPage fetches one history page for the active conversation and
// appends its older entries to the tail, leaving already-loaded entries
// untouched. Entries whose IDs are already cached are skipped, so
// overlapping pages cannot duplicate.
func (s *Synchronizer) LoadPage(ctx context.Context, conversationID string, page int) ([]store.Message, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if conversationID != active {
		return nil, ErrNotActive
	}

	fetched, err := s.gw.FetchMessages(ctx, conversationID, page, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("load page %d: %w", page, err)
	}

	s.mu.Lock()
	if s.active != conversationID {
		// The user switched away while the fetch was in flight.
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	for i := range fetched.Messages {
		m := fetched.Messages[i]
		if _, ok := s.byID[m.MsgID]; ok {
			continue
		}
		cp := m
		s.msgs = append(s.msgs, &cp)
		s.byID[m.MsgID] = &cp
		s.persist(&cp)
	}
	s.total = fetched.TotalCount
	s.hasMore = fetched.HasMore
	s.mu.Unlock()

	s.publishUpdated()
	return fetched.Messages, nil
}

// InsertProvisional places a new provisional entry at the head. Only the
// send pipeline calls this. The arena holds exactly one conversation, so
// a send targeting any other conversation is persisted to the cache db
// only and never becomes visible in the active list.
func (s *Synchronizer) InsertProvisional(msg *store.Message) {
	s.mu.Lock()
	if msg.ConversationID != s.active {
		s.persist(msg)
		s.mu.Unlock()
		return
	}
	if _, ok := s.byID[msg.MsgID]; !ok {
		s.msgs = append([]*store.Message{msg}, s.msgs...)
		s.byID[msg.MsgID] = msg
		s.total++
	}
	s.persist(msg)
	s.mu.Unlock()

	s.publishUpdated()
}

// MergeInbound applies a pushed message to the active conversation.
//
// A durable ID that is already cached is discarded: that is the common
// case of the sender receiving their own broadcast after the mutation
// response already reconciled it. A self-sent message with no cached ID is
// matched against provisional entries by content and timestamp proximity,
// because the mutation response and the broadcast share no correlation ID
// and either may arrive first. Everything else inserts at the head.
func (s *Synchronizer) MergeInbound(msg *store.Message) {
	if msg == nil || msg.MsgID == "" {
		return
	}

	s.mu.Lock()
	if s.active == "" || msg.ConversationID != s.active {
		s.mu.Unlock()
		return
	}

	if _, ok := s.byID[msg.MsgID]; ok {
		s.mu.Unlock()
		metrics.MergeTotal.WithLabelValues("deduped").Inc()
		return
	}

	if msg.FromMe || (s.selfID != "" && msg.SenderID == s.selfID) {
		if prov := s.matchProvisionalLocked(msg); prov != nil {
			provID := prov.MsgID
			delete(s.byID, provID)
			prov.MsgID = msg.MsgID
			prov.Status = msg.Status
			prov.Timestamp = msg.Timestamp
			prov.ErrorDetail = ""
			if len(msg.Attachments) > 0 {
				prov.Attachments = msg.Attachments
			}
			s.byID[msg.MsgID] = prov
			if s.db != nil {
				if err := s.db.ReplaceMessageID(provID, prov); err != nil {
					s.logger.Warn("failed to persist provisional replacement", zap.String("provisional_id", provID), zap.Error(err))
				}
			}
			s.mu.Unlock()
			metrics.MergeTotal.WithLabelValues("replaced_provisional").Inc()
			s.publishMerged(provID, msg.MsgID)
			s.publishUpdated()
			return
		}
	}

	s.msgs = append([]*store.Message{msg}, s.msgs...)
	s.byID[msg.MsgID] = msg
	s.total++
	s.persist(msg)
	s.mu.Unlock()

	metrics.MergeTotal.WithLabelValues("inserted").Inc()
	s.publishUpdated()
}

// matchProvisionalLocked finds a provisional entry whose content matches
// msg and whose creation time is within the dedup window. Two identical
// bodies sent further apart than the window are genuinely distinct
// messages and must both survive.
func (s *Synchronizer) matchProvisionalLocked(msg *store.Message) *store.Message {
	for _, m := range s.msgs {
		if !store.IsProvisionalID(m.MsgID) {
			continue
		}
		if m.Body != msg.Body {
			continue
		}
		if absDelta(m.Timestamp, msg.Timestamp) <= s.window.Milliseconds() {
			return m
		}
	}
	return nil
}

// Reconcile resolves a provisional entry against the send outcome. Both
// the mutation-response path and the push path converge here, so it must
// tolerate either having already run.
func (s *Synchronizer) Reconcile(provisionalID string, outcome Outcome) {
	if outcome.durable != nil {
		s.reconcileConfirmed(provisionalID, outcome.durable)
	} else {
		s.reconcileFailed(provisionalID, outcome.reason)
	}
	s.publishUpdated()
}

func (s *Synchronizer) reconcileConfirmed(provisionalID string, durable *store.Message) {
	s.mu.Lock()

	prov, inMemory := s.byID[provisionalID]
	if inMemory {
		if _, durableCached := s.byID[durable.MsgID]; durableCached {
			// The broadcast beat the mutation response; the provisional
			// entry is now redundant.
			s.removeLocked(provisionalID)
			s.deleteRow(provisionalID)
			s.mu.Unlock()
			metrics.ReconcileTotal.WithLabelValues("redundant").Inc()
			return
		}
		delete(s.byID, provisionalID)
		prov.MsgID = durable.MsgID
		if durable.ConversationID != "" {
			prov.ConversationID = durable.ConversationID
		}
		prov.Status = durable.Status
		prov.Timestamp = durable.Timestamp
		prov.ErrorDetail = ""
		if len(durable.Attachments) > 0 {
			prov.Attachments = durable.Attachments
		}
		s.byID[durable.MsgID] = prov
		if s.db != nil {
			if err := s.db.ReplaceMessageID(provisionalID, prov); err != nil {
				s.logger.Warn("failed to persist reconciliation", zap.String("provisional_id", provisionalID), zap.Error(err))
			}
		}
		s.mu.Unlock()
		metrics.ReconcileTotal.WithLabelValues("confirmed").Inc()
		return
	}
	s.mu.Unlock()

	// The user switched conversations while the send was in flight. The
	// provisional entry lives only in the cache db now; reconcile it there
	// so the originating conversation shows the durable message next time
	// it is opened.
	if s.db == nil {
		metrics.ReconcileTotal.WithLabelValues("unknown").Inc()
		return
	}
	if existing, _ := s.db.GetMessageByMsgID(durable.MsgID); existing != nil {
		s.deleteRow(provisionalID)
		metrics.ReconcileTotal.WithLabelValues("redundant").Inc()
		return
	}
	if row, _ := s.db.GetMessageByMsgID(provisionalID); row != nil {
		if err := s.db.ReplaceMessageID(provisionalID, durable); err != nil {
			s.logger.Warn("failed to reconcile in cache db", zap.String("provisional_id", provisionalID), zap.Error(err))
		}
		metrics.ReconcileTotal.WithLabelValues("confirmed").Inc()
		return
	}
	metrics.ReconcileTotal.WithLabelValues("unknown").Inc()
}

func (s *Synchronizer) reconcileFailed(provisionalID string, reason error) {
	detail := "send failed"
	if reason != nil {
		detail = reason.Error()
	}

	s.mu.Lock()
	if m, ok := s.byID[provisionalID]; ok {
		m.Status = store.StatusFailed
		m.ErrorDetail = detail
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.UpdateMessageStatus(provisionalID, store.StatusFailed, detail); err != nil {
			s.logger.Warn("failed to persist send failure", zap.String("provisional_id", provisionalID), zap.Error(err))
		}
	}
	metrics.ReconcileTotal.WithLabelValues("failed").Inc()
}

// SetStatus updates a cached entry's delivery status in place. The retry
// path uses this to move Failed back to Pending without re-inserting.
func (s *Synchronizer) SetStatus(msgID, status, errorDetail string) {
	s.mu.Lock()
	if m, ok := s.byID[msgID]; ok {
		m.Status = status
		m.ErrorDetail = errorDetail
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.UpdateMessageStatus(msgID, status, errorDetail); err != nil {
			s.logger.Warn("failed to persist status change", zap.String("msg_id", msgID), zap.Error(err))
		}
	}
	s.publishUpdated()
}

// RemoveProvisional deletes a provisional entry entirely (discard path).
func (s *Synchronizer) RemoveProvisional(provisionalID string) {
	s.mu.Lock()
	s.removeLocked(provisionalID)
	s.mu.Unlock()

	s.deleteRow(provisionalID)
	s.publishUpdated()
}

// Snapshot returns a copy of the active conversation's message list,
// newest first.
func (s *Synchronizer) Snapshot() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, *m)
	}
	return out
}

// TotalCount returns the server-reported total plus local inserts.
func (s *Synchronizer) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// HasMore reports whether older pages remain.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Synchronizer) removeLocked(msgID string) {
	m, ok := s.byID[msgID]
	if !ok {
		return
	}
	delete(s.byID, msgID)
	for i, cur := range s.msgs {
		if cur == m {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	if s.total > 0 {
		s.total--
	}
}

func (s *Synchronizer) persist(m *store.Message) {
	if s.db == nil {
		return
	}
	if err := s.db.UpsertMessage(m); err != nil {
		s.logger.Warn("failed to persist message", zap.String("msg_id", m.MsgID), zap.Error(err))
	}
}

func (s *Synchronizer) deleteRow(msgID string) {
	if s.db == nil {
		return
	}
	if err := s.db.DeleteMessageByMsgID(msgID); err != nil {
		s.logger.Warn("failed to delete cached message", zap.String("msg_id", msgID), zap.Error(err))
	}
}

func (s *Synchronizer) publishUpdated() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: "stream.updated", Timestamp: time.Now()})
}

// publishMerged notifies the send pipeline that a push event collapsed a
// provisional entry, so its pending record can be released even if the
// mutation response never lands.
func (s *Synchronizer) publishMerged(provisionalID, durableID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "stream.merged_provisional",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"provisional_id": provisionalID,
			"durable_id":     durableID,
		},
	})
}

func absDelta(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
