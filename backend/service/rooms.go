package service

import (
	"context"

	"github.com/adwski/chathub/backend/model"
)

func (svc *Service) join(ctx context.Context, conn model.Connection, username string) error {
	if username == "" {
		username = model.AnonymousName
	}
	joined, err := svc.registry.Join(conn.ID, username)
	if err != nil {
		return err
	}
	if err = svc.rooms.Move(conn.ID, conn.Room, model.DefaultRoom); err != nil {
		return err
	}

	svc.broadcastUsers(ctx)
	svc.sw.Broadcast(ctx, model.Outbound{
		Type:    model.EventUserJoined,
		Payload: model.Presence{Username: joined.Username, ID: joined.ID},
	})
	svc.broadcastRooms(ctx)

	svc.logger.Info().
		Str("connID", conn.ID).
		Str("username", username).
		Msg("user joined the chat")
	return nil
}

func (svc *Service) createRoom(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyRoomName
	}
	if svc.rooms.Create(name) {
		svc.broadcastRooms(ctx)
		svc.logger.Debug().Str("room", name).Msg("room created")
	}
	return nil
}

func (svc *Service) joinRoom(ctx context.Context, conn model.Connection, name string) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	if name == "" {
		name = model.DefaultRoom
	}
	if !svc.rooms.Exists(name) {
		return ErrRoomNotFound
	}
	if err := svc.rooms.Move(conn.ID, conn.Room, name); err != nil {
		return err
	}
	if _, err := svc.registry.SetRoom(conn.ID, name); err != nil {
		return err
	}

	svc.broadcastUsers(ctx)
	svc.broadcastRooms(ctx)
	svc.toRoom(ctx, name, model.Outbound{
		Type:    model.EventSystemMessage,
		Payload: conn.Username + " joined " + name,
	})

	svc.logger.Debug().
		Str("connID", conn.ID).
		Str("from", conn.Room).
		Str("room", name).
		Msg("user switched room")
	return nil
}

// leaveRoom removes connection from its current room and lands it in the default room.
func (svc *Service) leaveRoom(ctx context.Context, conn model.Connection, name string) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	if name == "" {
		name = model.DefaultRoom
	}
	if !svc.rooms.Exists(name) {
		return ErrRoomNotFound
	}
	if name != conn.Room {
		return ErrNotMember
	}

	if err := svc.rooms.Leave(conn.ID, name); err != nil {
		return err
	}
	svc.toRoom(ctx, name, model.Outbound{
		Type:    model.EventSystemMessage,
		Payload: conn.Username + " left " + name,
	})

	if err := svc.rooms.Move(conn.ID, name, model.DefaultRoom); err != nil {
		return err
	}
	if _, err := svc.registry.SetRoom(conn.ID, model.DefaultRoom); err != nil {
		return err
	}
	svc.broadcastUsers(ctx)
	svc.broadcastRooms(ctx)

	svc.logger.Debug().
		Str("connID", conn.ID).
		Str("room", name).
		Msg("user left room")
	return nil
}
