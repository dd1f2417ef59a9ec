// Package directory maintains the ordered conversation list with unread
// and preview bookkeeping. It owns the conversation arena: every mutation
// goes through Load, ApplyInboundEvent, or MarkRead.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/store"
)

// Directory holds the authoritative ordered conversation cache.
type Directory struct {
	mu     sync.RWMutex
	db     *store.DB
	gw     gateway.Client
	bus    *bus.Bus
	logger *zap.Logger

	convs  []*store.Conversation // ordered by LastMessageAt descending
	byID   map[string]*store.Conversation
	loaded bool
}

// New creates a directory warmed from the local cache.
func New(db *store.DB, gw gateway.Client, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		db:     db,
		gw:     gw,
		bus:    b,
		logger: logger,
		byID:   make(map[string]*store.Conversation),
	}
	d.warm()
	return d
}

// warm restores the cached conversation list so the portal has an offline
// view before the first server fetch completes.
func (d *Directory) warm() {
	if d.db == nil {
		return
	}
	cached, err := d.db.ListConversations(500, 0)
	if err != nil {
		d.logger.Warn("failed to warm conversation cache", zap.Error(err))
		return
	}
	for i := range cached {
		c := cached[i]
		d.convs = append(d.convs, &c)
		d.byID[c.ID] = &c
	}
}

// Load fetches a page of conversations from the server and merges it into
// the cache. Errors propagate: a failed initial load is a visible error
// state, unlike passive event processing.
func (d *Directory) Load(ctx context.Context, page, pageSize int) ([]store.Conversation, error) {
	convs, err := d.gw.FetchConversations(ctx, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	d.mu.Lock()
	for i := range convs {
		c := convs[i]
		if existing, ok := d.byID[c.ID]; ok {
			*existing = c
		} else {
			cp := c
			d.convs = append(d.convs, &cp)
			d.byID[c.ID] = &cp
		}
		d.persist(&c)
	}
	d.resortLocked()
	d.loaded = true
	d.mu.Unlock()

	d.publishUpdated()
	return convs, nil
}

// Loaded reports whether at least one server fetch has succeeded.
func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// List returns a snapshot page of the ordered conversation list.
func (d *Directory) List(page, pageSize int) []store.Conversation {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 0 {
		page = 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	start := page * pageSize
	if start >= len(d.convs) {
		return nil
	}
	end := start + pageSize
	if end > len(d.convs) {
		end = len(d.convs)
	}
	out := make([]store.Conversation, 0, end-start)
	for _, c := range d.convs[start:end] {
		out = append(out, *c)
	}
	return out
}

// Get returns a snapshot of a single conversation, or nil if unknown.
func (d *Directory) Get(id string) *store.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// ApplyInboundEvent upserts a conversation patch derived from a pushed
// event. activeID is the conversation the user is currently viewing; an
// event for it never raises the unread count, since the user sees the
// message immediately. This method never returns an error: malformed
// patches are logged and skipped so one bad event cannot wedge the view.
func (d *Directory) ApplyInboundEvent(patch store.ConversationPatch, activeID string) {
	if patch.ID == "" {
		d.logger.Warn("dropping conversation patch without ID")
		return
	}

	d.mu.Lock()
	c, known := d.byID[patch.ID]
	if !known {
		c = &store.Conversation{ID: patch.ID}
		d.convs = append(d.convs, c)
		d.byID[patch.ID] = c
	}

	if patch.Title != "" {
		c.Title = patch.Title
	}
	if patch.ParticipantID != "" {
		c.ParticipantID = patch.ParticipantID
	}
	if patch.ParticipantName != "" {
		c.ParticipantName = patch.ParticipantName
	}
	if patch.LastMessageAt > c.LastMessageAt {
		c.LastMessageAt = patch.LastMessageAt
		if patch.LastMessagePreview != "" {
			c.LastMessagePreview = patch.LastMessagePreview
		}
	}

	switch {
	case patch.ID == activeID:
		// The user is looking at this conversation right now.
		c.UnreadCount = 0
	case patch.Unread != nil && *patch.Unread > c.UnreadCount:
		c.UnreadCount = *patch.Unread
	default:
		c.UnreadCount += patch.UnreadDelta
	}

	d.persist(c)
	d.resortLocked()
	d.mu.Unlock()

	d.publishUpdated()
}

// MarkRead drives a conversation's unread count to zero, confirming with
// the server first. Idempotent: marking an already-read conversation is a
// local no-op that succeeds without a network call.
func (d *Directory) MarkRead(ctx context.Context, id string) error {
	d.mu.RLock()
	c, known := d.byID[id]
	alreadyRead := known && c.UnreadCount == 0
	d.mu.RUnlock()

	if !known || alreadyRead {
		return nil
	}

	if err := d.gw.MarkConversationRead(ctx, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	d.mu.Lock()
	if c, ok := d.byID[id]; ok {
		c.UnreadCount = 0
		d.persist(c)
	}
	d.mu.Unlock()

	d.publishUpdated()
	return nil
}

// persist mirrors a conversation into the cache db. Callers hold d.mu.
func (d *Directory) persist(c *store.Conversation) {
	if d.db == nil {
		return
	}
	if err := d.db.UpsertConversation(c); err != nil {
		d.logger.Warn("failed to persist conversation", zap.String("conversation_id", c.ID), zap.Error(err))
	}
}

func (d *Directory) resortLocked() {
	sort.SliceStable(d.convs, func(i, j int) bool {
		return d.convs[i].LastMessageAt > d.convs[j].LastMessageAt
	})
}

func (d *Directory) publishUpdated() {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: "directory.updated", Timestamp: time.Now()})
}
