// Package router decides how a request reaches its agent: straight down a
// local socket, or over the bus to the instance holding that socket. It also
// consumes this instance's slot topic and dispatches inbound bus frames.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homecast/homecast/internal/metrics"
	"github.com/homecast/homecast/internal/relay/bus"
	"github.com/homecast/homecast/internal/relay/connmgr"
	"github.com/homecast/homecast/internal/relay/protocol"
	"github.com/homecast/homecast/internal/relay/sessions"
	"github.com/homecast/homecast/internal/relay/slots"
)

const (
	// RouteDeadline bounds a full request round-trip.
	RouteDeadline = 30 * time.Second
	// publishDeadline bounds a single bus publish.
	publishDeadline = 5 * time.Second
)

// Router is the cross-instance request router.
type Router struct {
	local    *connmgr.Manager
	sessions *sessions.Registry
	slots    *slots.Registry
	bus      bus.Bus

	topicPrefix string
	instanceID  string
	slotName    string
	forceBus    bool

	mu      sync.Mutex
	pending map[string]chan *protocol.BusFrame // correlationID -> sink

	// onEvent delivers bus event frames to this instance's listener hub.
	onEvent func(ctx context.Context, f *protocol.BusFrame)
	// onListenersChanged notifies this instance's agents of a remote
	// listener transition.
	onListenersChanged func(ctx context.Context, userID string, active bool)
}

// New creates a Router. slotName is the slot this instance consumes.
func New(local *connmgr.Manager, reg *sessions.Registry, sl *slots.Registry, b bus.Bus, topicPrefix, instanceID, slotName string, forceBus bool) *Router {
	return &Router{
		local:       local,
		sessions:    reg,
		slots:       sl,
		bus:         b,
		topicPrefix: topicPrefix,
		instanceID:  instanceID,
		slotName:    slotName,
		forceBus:    forceBus,
		pending:     make(map[string]chan *protocol.BusFrame),
	}
}

// SetEventFunc installs the sink for inbound bus event frames.
func (r *Router) SetEventFunc(fn func(ctx context.Context, f *protocol.BusFrame)) {
	r.onEvent = fn
}

// SetListenersChangedFunc installs the sink for inbound listener
// transition frames.
func (r *Router) SetListenersChangedFunc(fn func(ctx context.Context, userID string, active bool)) {
	r.onListenersChanged = fn
}

// Topic returns the bus topic for a slot.
func (r *Router) Topic(slot string) string {
	return r.topicPrefix + "-" + slot
}

// SlotName returns the slot this instance consumes.
func (r *Router) SlotName() string {
	return r.slotName
}

// DisableCrossInstance drops the slot binding after a failed topic
// subscription, so the router stops publishing requests whose answers it
// could never hear. Local routing is unaffected.
func (r *Router) DisableCrossInstance() {
	r.slotName = ""
}

// Route sends an action to an agent wherever it is connected and returns
// the response payload. Failures are *Error values carrying either a
// routing code or the agent's own error code.
func (r *Router) Route(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, RouteDeadline)
		defer cancel()
	}

	if !r.forceBus && r.local.IsLocal(agentID) {
		start := time.Now()
		out, err := r.routeLocal(ctx, agentID, action, payload)
		r.observe("local", start, err)
		if !errors.Is(err, connmgr.ErrNotLocal) {
			return out, err
		}
		// The agent dropped off between the check and the send; fall
		// through to the bus path.
	}

	start := time.Now()
	out, err := r.routeBus(ctx, agentID, action, payload)
	r.observe("bus", start, err)
	return out, err
}

func (r *Router) observe(path string, start time.Time, err error) {
	outcome := "ok"
	var rerr *Error
	if errors.As(err, &rerr) {
		if rerr.Code == protocol.ErrTimeout {
			outcome = "timeout"
		} else {
			outcome = "error"
		}
	} else if err != nil {
		outcome = "error"
	}
	metrics.RoutesTotal.WithLabelValues(path, outcome).Inc()
	metrics.RouteDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

func (r *Router) routeLocal(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := r.local.Request(ctx, agentID, action, payload)
	switch {
	case errors.Is(err, connmgr.ErrNotLocal):
		return nil, err
	case errors.Is(err, context.Canceled):
		// The caller went away; not an agent fault.
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, newError(protocol.ErrTimeout, "agent %s did not respond in time", agentID)
	case err != nil:
		return nil, newError(protocol.ErrAgentUnreachable, "send to agent %s: %v", agentID, err)
	}
	if resp.Error != nil {
		return nil, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Payload, nil
}

func (r *Router) routeBus(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	if r.slotName == "" {
		return nil, newError(protocol.ErrAgentUnreachable, "agent %s: no slot lease, cross-instance routing disabled", agentID)
	}

	instanceID, ok, err := r.sessions.AgentLocation(ctx, agentID)
	if err != nil {
		return nil, newError(protocol.ErrInternal, "agent lookup: %v", err)
	}
	if !ok {
		return nil, newError(protocol.ErrAgentUnreachable, "agent %s is not connected", agentID)
	}

	targetSlot, ok, err := r.slots.LookupSlotByInstance(ctx, instanceID)
	if err != nil {
		return nil, newError(protocol.ErrInternal, "slot lookup: %v", err)
	}
	if !ok {
		return nil, newError(protocol.ErrAgentUnreachable, "instance %s holds no active slot", instanceID)
	}

	correlationID := uuid.NewString()
	ch := make(chan *protocol.BusFrame, 1)
	r.mu.Lock()
	r.pending[correlationID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}()

	data, err := protocol.EncodeBusFrame(&protocol.BusFrame{
		Type:          protocol.BusTypeRequest,
		CorrelationID: correlationID,
		SourceSlot:    r.slotName,
		AgentID:       agentID,
		Action:        action,
		Payload:       payload,
	})
	if err != nil {
		return nil, newError(protocol.ErrInternal, "encode bus frame: %v", err)
	}

	if err := r.publish(ctx, r.Topic(targetSlot), protocol.BusTypeRequest, data); err != nil {
		return nil, newError(protocol.ErrBusPublishFailed, "route to slot %s: %v", targetSlot, err)
	}
	slog.Debug("routed request over bus", "agent_id", agentID, "target_slot", targetSlot, "correlation_id", correlationID)

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, newError(protocol.ErrTimeout, "agent %s did not respond in time", agentID)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Payload, nil
	}
}

func (r *Router) publish(ctx context.Context, topic, frameType string, data []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishDeadline)
	defer cancel()
	err := r.bus.Publish(pubCtx, topic, data)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BusPublishesTotal.WithLabelValues(frameType, outcome).Inc()
	return err
}

// HandleBusFrame is the subscription handler for this instance's slot topic.
// It satisfies bus.Handler; malformed frames are dropped, not redelivered.
func (r *Router) HandleBusFrame(data []byte) error {
	f, err := protocol.DecodeBusFrame(data)
	if err != nil {
		slog.Warn("dropping malformed bus frame", "error", err)
		return nil
	}
	metrics.BusConsumesTotal.WithLabelValues(f.Type).Inc()

	ctx := context.Background()
	switch f.Type {
	case protocol.BusTypeRequest:
		// The agent round-trip can hold the full route deadline, and the
		// slot topic delivers serially. Hand the request off so the
		// callback returns (and the message is acked) immediately.
		go r.handleBusRequest(ctx, f)
	case protocol.BusTypeResponse:
		r.completePending(f)
	case protocol.BusTypeEvent:
		if r.onEvent != nil {
			r.onEvent(ctx, f)
		}
	case protocol.BusTypeListenersChanged:
		if r.onListenersChanged != nil {
			r.onListenersChanged(ctx, f.UserID, f.Active)
		}
	default:
		slog.Warn("unknown bus frame type", "type", f.Type)
	}
	return nil
}

func (r *Router) completePending(f *protocol.BusFrame) {
	r.mu.Lock()
	ch, ok := r.pending[f.CorrelationID]
	r.mu.Unlock()
	if !ok {
		// Deadline already fired on our side.
		slog.Debug("discarding late bus response", "correlation_id", f.CorrelationID)
		return
	}
	select {
	case ch <- f:
	default:
		slog.Debug("dropping duplicate bus response", "correlation_id", f.CorrelationID)
	}
}

// handleBusRequest delivers a remote request to a local agent and publishes
// the response back to the source slot.
func (r *Router) handleBusRequest(ctx context.Context, f *protocol.BusFrame) {
	ctx, cancel := context.WithTimeout(ctx, RouteDeadline)
	defer cancel()

	resp := &protocol.BusFrame{
		Type:          protocol.BusTypeResponse,
		CorrelationID: f.CorrelationID,
	}

	frame, err := r.local.Request(ctx, f.AgentID, f.Action, f.Payload)
	switch {
	case errors.Is(err, connmgr.ErrNotLocal):
		resp.Error = &protocol.Error{Code: protocol.ErrNoHandler, Message: "agent has no socket on target instance"}
	case errors.Is(err, context.DeadlineExceeded):
		resp.Error = &protocol.Error{Code: protocol.ErrTimeout, Message: "agent did not respond in time"}
	case err != nil:
		resp.Error = &protocol.Error{Code: protocol.ErrInternal, Message: err.Error()}
	case frame.Error != nil:
		resp.Error = frame.Error
	default:
		resp.Payload = frame.Payload
	}

	data, err := protocol.EncodeBusFrame(resp)
	if err != nil {
		slog.Error("encode bus response failed", "correlation_id", f.CorrelationID, "error", err)
		return
	}
	if err := r.publish(context.Background(), r.Topic(f.SourceSlot), protocol.BusTypeResponse, data); err != nil {
		slog.Error("bus response publish failed", "source_slot", f.SourceSlot, "correlation_id", f.CorrelationID, "error", err)
	}
}

// PublishEvent fans a characteristic event out to every other instance's
// slot topic. Local delivery is the event pipe's job, not ours.
func (r *Router) PublishEvent(ctx context.Context, userID, accessoryID, characteristicType string, value any) {
	r.fanOut(ctx, &protocol.BusFrame{
		Type:               protocol.BusTypeEvent,
		UserID:             userID,
		AccessoryID:        accessoryID,
		CharacteristicType: characteristicType,
		Value:              value,
	})
}

// PublishListenersChanged fans a listener 0↔1 transition out to every other
// instance so remote agent sockets learn about it.
func (r *Router) PublishListenersChanged(ctx context.Context, userID string, active bool) {
	r.fanOut(ctx, &protocol.BusFrame{
		Type:   protocol.BusTypeListenersChanged,
		UserID: userID,
		Active: active,
	})
}

func (r *Router) fanOut(ctx context.Context, f *protocol.BusFrame) {
	names, err := r.slots.ActiveSlots(ctx)
	if err != nil {
		slog.Error("slot list for fan-out failed", "type", f.Type, "error", err)
		return
	}
	data, err := protocol.EncodeBusFrame(f)
	if err != nil {
		slog.Error("encode fan-out frame failed", "type", f.Type, "error", err)
		return
	}
	for _, slot := range names {
		if slot == r.slotName {
			continue
		}
		if err := r.publish(ctx, r.Topic(slot), f.Type, data); err != nil {
			slog.Warn("fan-out publish failed", "slot", slot, "type", f.Type, "error", err)
		}
	}
}
