package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/protocol"
)

// broadcast fans one envelope out to every connection observing the
// conversation. The member list is a snapshot, each send is bounded by the
// configured timeout, and a failed send prunes that one connection without
// aborting delivery to the rest. Per-connection failures never reach the
// caller.
func (e *Engine) broadcast(ctx context.Context, conversationID string, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		e.log.Error("failed to encode envelope",
			slog.String("conversation_id", conversationID),
			slog.String("type", env.Type), slogError(err))
		return
	}

	members := e.hub.Members(conversationID)
	delivered := 0
	for _, c := range members {
		if err := e.send(ctx, c, payload); err != nil {
			e.prune(ctx, conversationID, c, err)
			continue
		}
		e.hub.Touch(conversationID, c)
		delivered++
	}
	if delivered > 0 {
		e.metrics.broadcastSent(ctx, env.Type, delivered)
	}
}

// sendTo delivers one envelope to a single connection, pruning it on
// failure. Used for the connect-time snapshot and reply-only messages.
func (e *Engine) sendTo(ctx context.Context, conversationID string, c hub.Conn, env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := e.send(ctx, c, payload); err != nil {
		e.prune(ctx, conversationID, c, err)
		return err
	}
	return nil
}

func (e *Engine) send(ctx context.Context, c hub.Conn, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()
	return c.Send(sendCtx, payload)
}

func (e *Engine) prune(ctx context.Context, conversationID string, c hub.Conn, cause error) {
	e.metrics.broadcastFailed(ctx)
	if e.hub.Remove(conversationID, c) {
		e.metrics.connectionDelta(ctx, -1)
	}
	_ = c.Close("send failed")
	e.log.Warn("pruned connection after failed send",
		slog.String("conversation_id", conversationID), slogError(cause))
}
