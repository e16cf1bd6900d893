package service

import (
	"context"
	"fmt"

	"github.com/adwski/chathub/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

// Handle decodes a raw client frame and dispatches it.
// Errors are logged and returned for inspection only; clients never see them.
func (svc *Service) Handle(ctx context.Context, connID string, in model.Inbound) error {
	logger := svc.logger.With().Str("connID", connID).Str("type", in.Type).Logger()

	ev, err := in.Decode()
	if err != nil {
		logger.Warn().Err(err).Msg("inbound event dropped")
		return err
	}
	if logger.GetLevel() <= zerolog.TraceLevel {
		logger.Trace().Str("event", spew.Sdump(ev)).Msg("inbound event decoded")
	}

	if err = svc.Dispatch(ctx, connID, ev); err != nil {
		logger.Debug().Err(err).Msg("inbound event not applied")
	}
	return err
}

// Dispatch applies a single event as one indivisible step.
func (svc *Service) Dispatch(ctx context.Context, connID string, ev model.Event) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	conn, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}

	switch e := ev.(type) {
	case model.Join:
		return svc.join(ctx, conn, e.Username)
	case model.CreateRoom:
		return svc.createRoom(ctx, e.Name)
	case model.JoinRoom:
		return svc.joinRoom(ctx, conn, e.Name)
	case model.LeaveRoom:
		return svc.leaveRoom(ctx, conn, e.Name)
	case model.SendMessage:
		svc.send(ctx, conn, e.Body)
		return nil
	case model.Typing:
		return svc.setTyping(ctx, conn, e.IsTyping)
	case model.PrivateMessage:
		return svc.sendPrivate(ctx, conn, e.To, e.Body)
	case model.Disconnect:
		svc.disconnect(ctx, conn)
		return nil
	}
	return fmt.Errorf("%w: %T", model.ErrUnknownEvent, ev)
}

// disconnect drops every reference to the connection and refreshes remaining clients.
func (svc *Service) disconnect(ctx context.Context, conn model.Connection) {
	svc.sw.Disconnect(conn.ID)

	if conn.Joined() {
		svc.sw.Broadcast(ctx, model.Outbound{
			Type:    model.EventUserLeft,
			Payload: model.Presence{Username: conn.Username, ID: conn.ID},
		})
	}
	svc.rooms.Purge(conn.ID)
	svc.typing.Clear(conn.ID)
	svc.registry.Remove(conn.ID)

	svc.broadcastUsers(ctx)
	for _, id := range svc.sw.Endpoints() {
		room := model.DefaultRoom
		if c, ok := svc.registry.Lookup(id); ok && c.Joined() {
			room = c.Room
		}
		svc.sw.Send(ctx, id, model.Outbound{Type: model.EventTypingUsers, Payload: svc.typing.Names(room)})
	}
	svc.broadcastRooms(ctx)

	svc.logger.Debug().
		Str("connID", conn.ID).
		Str("username", conn.Username).
		Msg("connection removed")
}

func (svc *Service) broadcastUsers(ctx context.Context) {
	svc.sw.Broadcast(ctx, model.Outbound{Type: model.EventUserList, Payload: svc.registry.Joined()})
}

func (svc *Service) broadcastRooms(ctx context.Context) {
	svc.sw.Broadcast(ctx, model.Outbound{Type: model.EventRoomList, Payload: svc.rooms.Names()})
}

// toRoom multicasts event to a snapshot of room membership.
func (svc *Service) toRoom(ctx context.Context, room string, ev model.Outbound) {
	members, err := svc.rooms.Members(room)
	if err != nil {
		svc.logger.Debug().Err(err).Str("room", room).Msg("room fanout skipped")
		return
	}
	svc.sw.Multicast(ctx, members, ev)
}
