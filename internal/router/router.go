// Package router fans incoming messages out to their recipients. Requests
// enter a bounded priority queue; a worker goroutine resolves recipients
// through the group manager and session registry, pushes frames to live
// connections, and falls back to the offline queue for everyone else.
package router

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ogas1024/Chat-Room-sub003/internal/group"
	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
	"github.com/ogas1024/Chat-Room-sub003/internal/session"
	"github.com/ogas1024/Chat-Room-sub003/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind selects the routing behaviour for one request.
type Kind string

const (
	KindGroup        Kind = "group"
	KindPrivate      Kind = "private"
	KindSystem       Kind = "system"
	KindBroadcast    Kind = "broadcast"
	KindNotification Kind = "notification"
)

// Result summarises one delivery attempt.
type Result string

const (
	ResultSuccess        Result = "SUCCESS"
	ResultPartialSuccess Result = "PARTIAL_SUCCESS"
	ResultNoRecipients   Result = "NO_RECIPIENTS"
	ResultFailed         Result = "FAILED"
)

// ErrQueueFull is returned when the bounded priority queue cannot accept
// another request.
var ErrQueueFull = errors.New("router queue is full")

// Retry policy for failed sends to online recipients.
const (
	retryBase    = 2 * time.Second
	retryCap     = 30 * time.Second
	retryMaxTry  = 3
	defaultQueue = 1024
)

// Request is one message to route. Frame is the fully-built wire frame;
// the router treats it as opaque apart from writing it to recipients.
type Request struct {
	MessageID  int64
	SenderID   int64
	Kind       Kind
	GroupID    int64
	TargetUser int64
	Priority   int // lower value = higher priority
	Frame      protocol.Message

	attempt int
	targets []int64 // set on retry entries: remaining recipients
}

// Router is the shared fan-out engine.
type Router struct {
	reg    *session.Registry
	st     *store.Store
	groups *group.Manager

	mu    sync.Mutex
	queue requestHeap
	max   int
	seq   uint64
	wake  chan struct{}
}

// New returns a router with a bounded queue of queueSize requests.
func New(reg *session.Registry, st *store.Store, groups *group.Manager, queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	return &Router{
		reg:    reg,
		st:     st,
		groups: groups,
		max:    queueSize,
		wake:   make(chan struct{}, 1),
	}
}

// Route enqueues a request for asynchronous delivery. Returns ErrQueueFull
// when the bounded queue is at capacity.
func (r *Router) Route(req Request) error {
	r.mu.Lock()
	if r.queue.Len() >= r.max {
		r.mu.Unlock()
		metricDropped.Inc()
		return ErrQueueFull
	}
	r.seq++
	heap.Push(&r.queue, &queuedRequest{req: req, seq: r.seq})
	r.mu.Unlock()
	metricRouted.Inc()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run processes the queue until ctx is cancelled. Exactly one Run loop may
// be active per router; the single consumer preserves per-sender FIFO
// ordering by message id.
func (r *Router) Run(ctx context.Context) {
	for {
		req, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		res := r.deliver(ctx, req)
		slog.Debug("routed message",
			"kind", string(req.Kind), "message_id", req.MessageID,
			"sender_id", req.SenderID, "result", string(res))
	}
}

func (r *Router) pop() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue.Len() == 0 {
		return Request{}, false
	}
	item := heap.Pop(&r.queue).(*queuedRequest)
	return item.req, true
}

// QueueDepth reports how many requests are waiting.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// deliver resolves recipients and attempts the fan-out.
func (r *Router) deliver(ctx context.Context, req Request) Result {
	switch req.Kind {
	case KindGroup:
		return r.deliverGroup(ctx, req)
	case KindPrivate, KindNotification:
		return r.deliverPrivate(ctx, req)
	case KindBroadcast:
		return r.deliverBroadcast(ctx, req)
	case KindSystem:
		// System messages dispatch on whichever target field is populated.
		switch {
		case req.TargetUser != 0:
			return r.deliverPrivate(ctx, req)
		case req.GroupID != 0:
			return r.deliverGroup(ctx, req)
		default:
			return r.deliverBroadcast(ctx, req)
		}
	default:
		slog.Warn("unknown route kind", "kind", string(req.Kind))
		return ResultFailed
	}
}

func (r *Router) deliverGroup(ctx context.Context, req Request) Result {
	var recipients []int64
	if req.targets != nil {
		recipients = req.targets
	} else {
		members, err := r.groups.Members(ctx, req.GroupID)
		if err != nil {
			slog.Error("resolve group members", "group_id", req.GroupID, "err", err)
			return ResultFailed
		}
		for _, m := range members {
			if m.UserID != req.SenderID {
				recipients = append(recipients, m.UserID)
			}
		}
	}
	if len(recipients) == 0 {
		return ResultNoRecipients
	}

	delivered := 0
	var failed []int64
	for _, uid := range recipients {
		if !r.reg.Online(uid) {
			r.enqueueOffline(ctx, uid, req.Frame)
			continue
		}
		if r.reg.Send(uid, req.Frame) {
			delivered++
			metricDelivered.Inc()
		} else {
			failed = append(failed, uid)
		}
	}

	if len(failed) > 0 {
		r.scheduleRetry(req, failed)
	}
	switch {
	case len(failed) == 0 && delivered == len(recipients):
		return ResultSuccess
	case delivered > 0:
		return ResultPartialSuccess
	case len(failed) == len(recipients):
		return ResultFailed
	default:
		// Everyone was offline; store-and-forward counts as success.
		return ResultSuccess
	}
}

func (r *Router) deliverPrivate(ctx context.Context, req Request) Result {
	if !r.reg.Online(req.TargetUser) {
		r.enqueueOffline(ctx, req.TargetUser, req.Frame)
		// Delivery is store-and-forward; an offline recipient is success.
		return ResultSuccess
	}
	if r.reg.Send(req.TargetUser, req.Frame) {
		metricDelivered.Inc()
		return ResultSuccess
	}
	r.scheduleRetry(req, []int64{req.TargetUser})
	return ResultFailed
}

func (r *Router) deliverBroadcast(ctx context.Context, req Request) Result {
	recipients := req.targets
	if recipients == nil {
		for _, uid := range r.reg.OnlineUserIDs() {
			if uid != req.SenderID {
				recipients = append(recipients, uid)
			}
		}
	}
	if len(recipients) == 0 {
		return ResultNoRecipients
	}

	delivered := 0
	var failed []int64
	for _, uid := range recipients {
		if r.reg.Send(uid, req.Frame) {
			delivered++
			metricDelivered.Inc()
		} else {
			failed = append(failed, uid)
		}
	}
	if len(failed) > 0 {
		r.scheduleRetry(req, failed)
	}
	switch {
	case len(failed) == 0:
		return ResultSuccess
	case delivered > 0:
		return ResultPartialSuccess
	default:
		return ResultFailed
	}
}

// scheduleRetry re-enqueues failed recipients with exponential backoff.
// When retries are exhausted the frame moves to offline storage.
func (r *Router) scheduleRetry(req Request, failed []int64) {
	if req.attempt >= retryMaxTry {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, uid := range failed {
			r.enqueueOffline(ctx, uid, req.Frame)
		}
		return
	}

	delay := retryBase << req.attempt
	if delay > retryCap {
		delay = retryCap
	}
	retry := req
	retry.attempt++
	retry.targets = failed
	metricRetries.Inc()

	time.AfterFunc(delay, func() {
		if err := r.Route(retry); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, uid := range failed {
				r.enqueueOffline(ctx, uid, retry.Frame)
			}
		}
	})
}

// enqueueOffline persists the encoded frame for delivery on reconnect.
func (r *Router) enqueueOffline(ctx context.Context, userID int64, frame protocol.Message) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal offline payload", "user_id", userID, "err", err)
		return
	}
	if _, err := r.st.EnqueueOffline(ctx, userID, payload); err != nil {
		slog.Error("enqueue offline", "user_id", userID, "err", err)
		return
	}
	metricOffline.Inc()
}

// queuedRequest is one heap entry; seq breaks priority ties so equal
// priorities keep FIFO order.
type queuedRequest struct {
	req Request
	seq uint64
}

type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*queuedRequest)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
