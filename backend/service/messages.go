package service

import (
	"context"

	"github.com/adwski/chathub/backend/model"
)

func (svc *Service) newMessage(sender model.Connection, room *string, body string) model.Message {
	svc.seq++
	return model.Message{
		ID:        svc.seq,
		Sender:    sender.DisplayName(),
		SenderID:  sender.ID,
		Room:      room,
		Body:      body,
		Timestamp: svc.clock().UTC(),
		IsPrivate: room == nil,
	}
}

// send stores message in history and fans it out to the sender's current room.
// Unjoined senders post to the default room.
func (svc *Service) send(ctx context.Context, conn model.Connection, body string) model.Message {
	room := conn.Room
	if room == "" {
		room = model.DefaultRoom
	}
	msg := svc.newMessage(conn, &room, body)
	svc.history.Append(msg)

	members, err := svc.rooms.Members(room)
	if err != nil {
		svc.logger.Debug().Err(err).Str("room", room).Msg("message not delivered")
		return msg
	}
	svc.sw.Multicast(ctx, members, model.Outbound{Type: model.EventReceiveMessage, Payload: msg})
	svc.sw.Multicast(ctx, members, model.Outbound{Type: model.EventNotifyMessage, Payload: msg})
	return msg
}

// sendPrivate delivers to recipient, echoes to sender and signals recipient's unread badge.
func (svc *Service) sendPrivate(ctx context.Context, conn model.Connection, to, body string) error {
	if _, ok := svc.registry.Lookup(to); !ok {
		return ErrUnknownRecipient
	}
	msg := svc.newMessage(conn, nil, body)

	if to != conn.ID {
		svc.sw.Send(ctx, to, model.Outbound{Type: model.EventPrivateMessage, Payload: msg})
	}
	svc.sw.Send(ctx, conn.ID, model.Outbound{Type: model.EventPrivateMessage, Payload: msg})
	if to != conn.ID {
		svc.sw.Send(ctx, to, model.Outbound{Type: model.EventNotifyPrivate, Payload: msg})
	}
	return nil
}

// setTyping updates typing list of the connection's current room.
// A flag raised in one room stays there when the connection switches rooms.
func (svc *Service) setTyping(ctx context.Context, conn model.Connection, isTyping bool) error {
	if !conn.Joined() {
		return ErrNotJoined
	}
	svc.typing.Set(conn.Room, conn.ID, conn.DisplayName(), isTyping)
	svc.toRoom(ctx, conn.Room, model.Outbound{Type: model.EventTypingUsers, Payload: svc.typing.Names(conn.Room)})
	return nil
}
