package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/chathub/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrConnect          = errors.New("unable to connect")
	ErrNotRegistered    = errors.New("connection is not registered")
	ErrNotJoined        = errors.New("connection has not joined yet")
	ErrNotMember        = errors.New("connection is not a member of this room")
	ErrRoomNotFound     = errors.New("room is not found")
	ErrEmptyRoomName    = errors.New("room name is empty")
	ErrUnknownRecipient = errors.New("private message recipient is not connected")
)

type (
	Registry interface {
		Register(connID string) (model.Connection, error)
		Join(connID, username string) (model.Connection, error)
		SetRoom(connID, room string) (model.Connection, error)
		Lookup(connID string) (model.Connection, bool)
		Remove(connID string)
		Joined() []model.Connection
	}

	RoomDirectory interface {
		Create(name string) bool
		Exists(name string) bool
		Move(connID, from, to string) error
		Leave(connID, name string) error
		Purge(connID string)
		Names() []string
		Members(name string) ([]string, error)
	}

	TypingStore interface {
		Set(room, connID, name string, typing bool)
		Clear(connID string) []string
		Names(room string) []string
	}

	HistoryStore interface {
		Append(msg model.Message)
		List() []model.Message
	}

	Switch interface {
		Connect(endpoint string, wire model.Wire)
		Disconnect(endpoint string)
		Send(ctx context.Context, dst string, ev model.Outbound) bool
		Multicast(ctx context.Context, dsts []string, ev model.Outbound) int
		Broadcast(ctx context.Context, ev model.Outbound) int
		Endpoints() []string
	}

	// Service owns hub state. Every event is applied under mx, start to finish,
	// so handlers never observe each other's partial updates.
	Service struct {
		registry Registry
		rooms    RoomDirectory
		typing   TypingStore
		history  HistoryStore
		sw       Switch
		clock    func() time.Time
		logger   zerolog.Logger

		mx  *sync.Mutex
		seq int64
	}

	Config struct {
		Registry Registry
		Rooms    RoomDirectory
		Typing   TypingStore
		History  HistoryStore
		Switch   Switch
		Logger   *zerolog.Logger
		Clock    func() time.Time
	}
)

func NewService(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		registry: cfg.Registry,
		rooms:    cfg.Rooms,
		typing:   cfg.Typing,
		history:  cfg.History,
		sw:       cfg.Switch,
		clock:    clock,
		logger:   cfg.Logger.With().Str("component", "hub").Logger(),
		mx:       &sync.Mutex{},
	}
}

// Connect registers an unjoined connection and attaches its wire for delivery.
func (svc *Service) Connect(connID string, wire model.Wire) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, err := svc.registry.Register(connID); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.sw.Connect(connID, wire)
	svc.logger.Debug().Str("connID", connID).Msg("connection registered")
	return nil
}

// CreateChatSession connects a transport session and starts consuming its inbound events.
func (svc *Service) CreateChatSession(ctx context.Context, connID string, wire model.Wire) error {
	if err := svc.Connect(connID, wire); err != nil {
		return err
	}
	go svc.consume(ctx, connID, wire.RX)
	return nil
}

// DeleteChatSession tears down connection state after transport went away.
func (svc *Service) DeleteChatSession(ctx context.Context, connID string) error {
	return svc.Dispatch(ctx, connID, model.Disconnect{})
}

func (svc *Service) consume(ctx context.Context, connID string, rx <-chan model.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-rx:
			_ = svc.Handle(ctx, connID, in)
		}
	}
}

// History returns most recent messages across all rooms, oldest first.
func (svc *Service) History() []model.Message {
	return svc.history.List()
}

// Users returns snapshot of joined connections.
func (svc *Service) Users() []model.Connection {
	return svc.registry.Joined()
}

func (svc *Service) Rooms() []string {
	return svc.rooms.Names()
}
