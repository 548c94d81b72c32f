package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/arena-gateway/internal/gateway"
	"github.com/rickgao/arena-gateway/internal/protocol"
	"github.com/rickgao/arena-gateway/internal/router"
	"github.com/rickgao/arena-gateway/internal/sender"
)

// demoRoutes wires a chat relay and a first-come matchmaker so the gateway can
// be exercised end to end without a game backend.
func demoRoutes(logger *slog.Logger) gateway.RoutesFunc {
	return func(s *sender.Sender) *router.Handlers {
		mm := &matchmaker{sender: s, waiting: make(map[string]string), logger: logger}

		return router.NewHandlers().
			Handle(protocol.TypeChatSend, func(ctx context.Context, mc router.MessageContext, msg *protocol.Message) error {
				chat := msg.Payload.(*protocol.ChatSend)
				return s.Push(ctx, chat.To, protocol.TypeChatPush, &protocol.ChatPush{From: mc.UserID, Text: chat.Text})
			}).
			Handle(protocol.TypeMatchmakingEnqueue, mm.enqueue).
			Handle(protocol.TypeMatchmakingCancel, mm.cancel)
	}
}

// matchmaker pairs the first two players waiting in the same queue. Handlers
// run on different partitions, so its state is locked.
type matchmaker struct {
	sender *sender.Sender
	logger *slog.Logger

	mu      sync.Mutex
	waiting map[string]string // queue -> user
}

func (m *matchmaker) enqueue(ctx context.Context, mc router.MessageContext, msg *protocol.Message) error {
	req := msg.Payload.(*protocol.MatchmakingEnqueue)

	m.mu.Lock()
	opponent, ok := m.waiting[req.Queue]
	if !ok || opponent == mc.UserID {
		m.waiting[req.Queue] = mc.UserID
		m.mu.Unlock()
		return nil
	}
	delete(m.waiting, req.Queue)
	m.mu.Unlock()

	found := &protocol.MatchFound{MatchID: uuid.NewString(), Players: []string{opponent, mc.UserID}}
	m.logger.Info("match found", "queue", req.Queue, "match", found.MatchID, "players", found.Players)

	for _, player := range found.Players {
		if err := m.sender.Push(ctx, player, protocol.TypeMatchFound, found); err != nil {
			m.logger.Warn("match push failed", "user", player, "error", err)
		}
	}
	return nil
}

func (m *matchmaker) cancel(_ context.Context, mc router.MessageContext, msg *protocol.Message) error {
	req := msg.Payload.(*protocol.MatchmakingCancel)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting[req.Queue] == mc.UserID {
		delete(m.waiting, req.Queue)
	}
	return nil
}
