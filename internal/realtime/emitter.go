package realtime

import (
	"time"

	"github.com/fanlink/tokenledger/internal/billing"
)

// Emitter adapts the hub to the notifier interfaces the ledger and billing
// services accept.
type Emitter struct {
	hub *Hub
}

// NewEmitter creates an emitter backed by the hub.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

// NotifyBalance implements ledger.Notifier.
func (e *Emitter) NotifyBalance(accountID string, tokens int64) {
	e.hub.BroadcastBalance(accountID, tokens)
}

// EmitCallBilled implements billing.EventEmitter.
func (e *Emitter) EmitCallBilled(session *billing.Session, block int, tokens int64) {
	e.hub.Broadcast(&Event{
		Type:      EventCallBilled,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"session_id": session.ID,
			"fan_id":     session.FanID,
			"creator_id": session.CreatorID,
			"block":      block,
			"tokens":     tokens,
		},
	})
}

// EmitCallEnded implements billing.EventEmitter.
func (e *Emitter) EmitCallEnded(session *billing.Session) {
	e.hub.Broadcast(&Event{
		Type:      EventCallEnded,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"session_id":   session.ID,
			"fan_id":       session.FanID,
			"creator_id":   session.CreatorID,
			"end_reason":   session.EndReason,
			"blocks":       session.BlocksBilled,
			"tokens_spent": session.TokensSpent,
		},
	})
}
