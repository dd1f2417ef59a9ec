// Package send implements the optimistic send pipeline. A send inserts a
// provisional entry immediately, submits in the background under a
// deadline, and reconciles through the stream when the server answers.
// Failed sends stay visible and retryable until discarded.
package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/directory"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/metrics"
	"github.com/Phuociter/medichat/internal/store"
	"github.com/Phuociter/medichat/internal/stream"
)

// Validation and lifecycle errors surfaced to the caller before or instead
// of creating a provisional entry.
var (
	ErrEmptyContent       = errors.New("message has no body or attachments")
	ErrMissingRecipient   = errors.New("no conversation or recipient specified")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrUnknownProvisional = errors.New("no send with that provisional ID")
	ErrNotFailed          = errors.New("send has not failed")
)

const previewLen = 100

// Request is one outbound message. ConversationID empty with RecipientID
// set starts a new thread.
type Request struct {
	ConversationID string
	RecipientID    string
	Body           string
	Attachments    []store.Attachment
}

// record tracks one optimistic send from submission to reconciliation.
// Records are keyed by provisional ID, independent of which conversation
// is active, so switching views never orphans an in-flight send.
type record struct {
	req       gateway.SendRequest
	newThread bool
	failed    bool
}

// Pipeline coordinates optimistic sends.
type Pipeline struct {
	mu      sync.Mutex
	records map[string]*record

	db       *store.DB
	gw       gateway.Client
	stream   *stream.Synchronizer
	dir      *directory.Directory
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	selfName string

	maxAttachment int64
	sendTimeout   time.Duration

	wg          sync.WaitGroup
	unsubscribe func()
}

// Params collects pipeline construction arguments.
type Params struct {
	DB            *store.DB
	Gateway       gateway.Client
	Stream        *stream.Synchronizer
	Directory     *directory.Directory
	Bus           *bus.Bus
	Logger        *zap.Logger
	SelfID        string
	SelfName      string
	MaxAttachment int64
	SendTimeout   time.Duration
}

// New creates a pipeline.
func New(p Params) *Pipeline {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = 30 * time.Second
	}
	return &Pipeline{
		records:       make(map[string]*record),
		db:            p.DB,
		gw:            p.Gateway,
		stream:        p.Stream,
		dir:           p.Directory,
		bus:           p.Bus,
		logger:        logger,
		selfID:        p.SelfID,
		selfName:      p.SelfName,
		maxAttachment: p.MaxAttachment,
		sendTimeout:   p.SendTimeout,
	}
}

// Start subscribes to merge notifications so a push echo that collapses a
// provisional entry also releases its pending record.
func (p *Pipeline) Start() {
	if p.bus == nil {
		return
	}
	ch, cancel := p.bus.Subscribe("stream.merged_provisional", 64)
	p.unsubscribe = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for evt := range ch {
			payload, ok := evt.Payload.(map[string]string)
			if !ok {
				continue
			}
			p.release(payload["provisional_id"])
		}
	}()
}

// Stop unsubscribes and waits for in-flight submissions to finish.
func (p *Pipeline) Stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.wg.Wait()
}

// Send validates the request, inserts a provisional entry, and submits in
// the background. Validation failures return before anything is created:
// an invalid send must never leave a phantom entry behind. On success the
// provisional ID is returned immediately, without waiting for the server.
func (p *Pipeline) Send(req Request) (string, error) {
	if err := p.validate(req); err != nil {
		return "", err
	}

	provID := store.ProvisionalPrefix + uuid.NewString()
	now := time.Now().UnixMilli()

	msg := &store.Message{
		ConversationID: req.ConversationID,
		MsgID:          provID,
		SenderID:       p.selfID,
		SenderName:     p.selfName,
		Body:           req.Body,
		Attachments:    req.Attachments,
		FromMe:         true,
		Status:         store.StatusPending,
		Timestamp:      now,
	}
	p.stream.InsertProvisional(msg)

	if p.db != nil {
		pending := &store.PendingSend{
			ProvisionalID:  provID,
			ConversationID: req.ConversationID,
			RecipientID:    req.RecipientID,
			Body:           req.Body,
			Attachments:    req.Attachments,
			SubmittedAt:    now,
		}
		if err := p.db.InsertPendingSend(pending); err != nil {
			p.logger.Warn("failed to persist pending send", zap.String("provisional_id", provID), zap.Error(err))
		}
	}

	rec := &record{
		req: gateway.SendRequest{
			ConversationID: req.ConversationID,
			RecipientID:    req.RecipientID,
			Body:           req.Body,
			Attachments:    req.Attachments,
		},
		newThread: req.ConversationID == "",
	}
	p.mu.Lock()
	p.records[provID] = rec
	p.mu.Unlock()

	p.publish("send.queued", provID)
	p.submitAsync(provID)
	return provID, nil
}

func (p *Pipeline) validate(req Request) error {
	if req.Body == "" && len(req.Attachments) == 0 {
		return ErrEmptyContent
	}
	if req.ConversationID == "" && req.RecipientID == "" {
		return ErrMissingRecipient
	}
	for _, a := range req.Attachments {
		if p.maxAttachment > 0 && a.Size > p.maxAttachment {
			return fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrAttachmentTooLarge, a.Name, a.Size, p.maxAttachment)
		}
	}
	return nil
}

// Retry resubmits a failed send under its original provisional ID. The
// entry goes back to Pending in place; it never duplicates.
func (p *Pipeline) Retry(provisionalID string) error {
	p.mu.Lock()
	rec, ok := p.records[provisionalID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownProvisional
	}
	if !rec.failed {
		p.mu.Unlock()
		return ErrNotFailed
	}
	rec.failed = false
	p.mu.Unlock()

	p.stream.SetStatus(provisionalID, store.StatusPending, "")
	if p.db != nil {
		if err := p.db.MarkPendingInflight(provisionalID); err != nil {
			p.logger.Warn("failed to mark pending send inflight", zap.String("provisional_id", provisionalID), zap.Error(err))
		}
	}
	metrics.RetryTotal.Inc()

	p.publish("send.queued", provisionalID)
	p.submitAsync(provisionalID)
	return nil
}

// Discard drops a failed send entirely. Only failed sends can be
// discarded; an in-flight send must resolve first.
func (p *Pipeline) Discard(provisionalID string) error {
	p.mu.Lock()
	rec, ok := p.records[provisionalID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownProvisional
	}
	if !rec.failed {
		p.mu.Unlock()
		return ErrNotFailed
	}
	delete(p.records, provisionalID)
	p.mu.Unlock()

	p.stream.RemoveProvisional(provisionalID)
	if p.db != nil {
		if err := p.db.DeletePendingSend(provisionalID); err != nil {
			p.logger.Warn("failed to delete pending send", zap.String("provisional_id", provisionalID), zap.Error(err))
		}
	}
	metrics.DiscardTotal.Inc()
	p.publish("send.discarded", provisionalID)
	return nil
}

// Resume restores pending-send records from the cache db after a restart.
// Sends that were in flight when the daemon stopped are resubmitted;
// failed ones become retryable again.
func (p *Pipeline) Resume() {
	if p.db == nil {
		return
	}
	entries, err := p.db.ListPendingSends()
	if err != nil {
		p.logger.Warn("failed to list pending sends", zap.Error(err))
		return
	}
	for _, e := range entries {
		rec := &record{
			req: gateway.SendRequest{
				ConversationID: e.ConversationID,
				RecipientID:    e.RecipientID,
				Body:           e.Body,
				Attachments:    e.Attachments,
			},
			newThread: e.ConversationID == "",
			failed:    e.Status == store.PendingFailed,
		}
		p.mu.Lock()
		p.records[e.ProvisionalID] = rec
		p.mu.Unlock()

		if e.Status == store.PendingInflight {
			p.logger.Info("resuming interrupted send", zap.String("provisional_id", e.ProvisionalID))
			p.submitAsync(e.ProvisionalID)
		}
	}
}

func (p *Pipeline) submitAsync(provisionalID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.submit(provisionalID)
	}()
}

func (p *Pipeline) submit(provisionalID string) {
	p.mu.Lock()
	rec, ok := p.records[provisionalID]
	if !ok {
		p.mu.Unlock()
		return
	}
	req := rec.req
	newThread := rec.newThread
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	durable, err := p.gw.SendMessage(ctx, req)
	if err != nil {
		p.fail(provisionalID, err)
		return
	}

	if newThread && durable.ConversationID != "" {
		p.stream.BindConversation(durable.ConversationID)
	}
	p.stream.Reconcile(provisionalID, stream.Confirmed(durable))
	if p.dir != nil && durable.ConversationID != "" {
		p.dir.ApplyInboundEvent(store.ConversationPatch{
			ID:                 durable.ConversationID,
			LastMessageAt:      durable.Timestamp,
			LastMessagePreview: truncate(durable.Body, previewLen),
		}, p.stream.Active())
	}
	p.release(provisionalID)

	metrics.SendTotal.WithLabelValues("ok").Inc()
	p.publish("send.ack", provisionalID)
}

func (p *Pipeline) fail(provisionalID string, err error) {
	p.mu.Lock()
	if rec, ok := p.records[provisionalID]; ok {
		rec.failed = true
	} else {
		// A push echo reconciled this send while the request was timing
		// out; the failure is stale.
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.stream.Reconcile(provisionalID, stream.Failed(err))
	if p.db != nil {
		if dbErr := p.db.MarkPendingFailed(provisionalID, err.Error()); dbErr != nil {
			p.logger.Warn("failed to persist send failure", zap.String("provisional_id", provisionalID), zap.Error(dbErr))
		}
	}

	metrics.SendTotal.WithLabelValues(outcomeLabel(err)).Inc()
	p.logger.Warn("send failed", zap.String("provisional_id", provisionalID), zap.Error(err))
	p.publish("send.failed", provisionalID)
}

// release drops a send record once the provisional entry has been
// reconciled, whichever channel got there first.
func (p *Pipeline) release(provisionalID string) {
	if provisionalID == "" {
		return
	}
	p.mu.Lock()
	_, ok := p.records[provisionalID]
	delete(p.records, provisionalID)
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.db != nil {
		if err := p.db.DeletePendingSend(provisionalID); err != nil {
			p.logger.Warn("failed to delete pending send", zap.String("provisional_id", provisionalID), zap.Error(err))
		}
	}
}

func outcomeLabel(err error) string {
	var apiErr *gateway.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &apiErr):
		return "server_error"
	default:
		return "transport_error"
	}
}

func (p *Pipeline) publish(kind, provisionalID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"provisional_id": provisionalID},
	})
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
