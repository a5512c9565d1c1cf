package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AlpinAI/2ly-sub004/features/bus"
	"github.com/AlpinAI/2ly-sub004/runtime/protocol"
)

func (b *Bus) OnHandshake(role protocol.Role, h bus.HandshakeHandler) (string, error) {
	if h == nil {
		return "", errors.New("handler is required")
	}
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[role] == nil {
		b.handlers[role] = make(map[string]bus.HandshakeHandler)
	}
	b.handlers[role][id] = h
	return id, nil
}

func (b *Bus) OffHandshake(role protocol.Role, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[role], id)
}

// Announce registers a connector in the connector map. Every bus watching the
// same map reports a Connected event, including when the connector was
// already announced: each announcement is stamped so that its entry changes.
func (b *Bus) Announce(ctx context.Context, hs protocol.Handshake) error {
	if hs.ConnectorID == "" {
		return errors.New("connector ID is required")
	}
	if hs.Role == "" {
		return errors.New("handshake role is required")
	}
	hs.AnnouncedAt = time.Now().UTC()
	raw, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if _, err := b.connectors.Set(ctx, hs.ConnectorID, string(raw)); err != nil {
		return fmt.Errorf("announce connector %s: %w", hs.ConnectorID, err)
	}
	return nil
}

// Leave removes a connector from the connector map. Every bus watching the
// same map reports a Disconnected event.
func (b *Bus) Leave(ctx context.Context, hs protocol.Handshake) error {
	if _, err := b.connectors.Delete(ctx, hs.ConnectorID); err != nil {
		return fmt.Errorf("remove connector %s: %w", hs.ConnectorID, err)
	}
	return nil
}

// watchConnectors reacts to connector map changes until Close. Events are
// dispatched sequentially from this goroutine.
func (b *Bus) watchConnectors() {
	defer close(b.watchDone)
	for {
		select {
		case <-b.closeCh:
			return
		case _, ok := <-b.events:
			if !ok {
				return
			}
			b.syncConnectors()
		}
	}
}

// syncConnectors diffs the connector map against the known entries and
// reports the differences. A new or changed entry is a Connected event, a
// removed one a Disconnected event.
func (b *Bus) syncConnectors() {
	current := make(map[string]struct{})
	var events []bus.HandshakeEvent
	for _, id := range b.connectors.Keys() {
		current[id] = struct{}{}
		c, ok := b.lookup(id)
		if !ok {
			continue
		}
		if prev, ok := b.known[id]; ok && prev.raw == c.raw {
			continue
		}
		b.known[id] = c
		events = append(events, bus.HandshakeEvent{Kind: bus.Connected, Handshake: c.hs})
	}
	for id, c := range b.known {
		if _, ok := current[id]; ok {
			continue
		}
		delete(b.known, id)
		events = append(events, bus.HandshakeEvent{Kind: bus.Disconnected, Handshake: c.hs})
	}
	for _, ev := range events {
		b.dispatch(ev)
	}
}

func (b *Bus) lookup(id string) (connector, bool) {
	raw, ok := b.connectors.Get(id)
	if !ok {
		return connector{}, false
	}
	var hs protocol.Handshake
	if err := json.Unmarshal([]byte(raw), &hs); err != nil {
		b.logger.Warn(context.Background(), "malformed handshake", "connector", id, "err", err)
		return connector{}, false
	}
	return connector{raw: raw, hs: hs}, true
}

func (b *Bus) dispatch(ev bus.HandshakeEvent) {
	b.mu.Lock()
	hs := make([]bus.HandshakeHandler, 0, len(b.handlers[ev.Handshake.Role]))
	for _, h := range b.handlers[ev.Handshake.Role] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(context.Background(), ev)
	}
}
