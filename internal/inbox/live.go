package inbox

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/omnibox/internal/analysis"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

// liveHistoryLimit bounds a direct platform history read.
const liveHistoryLimit = 50

type teamScoped interface {
	TeamID() string
}

// LiveRooms lists the rooms the user's live connection can see and claims
// each of them for the user. A process-wide session sees every user's
// rooms, so only rooms the user already owns are listed and nothing is
// claimed.
func (s *Service) LiveRooms(ctx context.Context, userID string, platform message.Platform) ([]channel.Room, error) {
	conn, err := s.live(userID, platform)
	if err != nil {
		return nil, err
	}
	lister, ok := conn.(channel.RoomLister)
	if !ok {
		return nil, channel.ErrUnsupported
	}
	rooms, err := lister.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	if desc, ok := s.connections.Registry().GetDescriptor(platform); ok && desc.Scope == channel.ScopeProcess {
		return s.ownedRooms(ctx, userID, platform, rooms)
	}
	teamID := ""
	if scoped, ok := conn.(teamScoped); ok {
		teamID = scoped.TeamID()
	}
	for _, room := range rooms {
		if room.TeamID == "" {
			room.TeamID = teamID
		}
		if _, err := s.rooms.Claim(ctx, platform, room.ID, userID, room.TeamID); err != nil {
			s.logger.Warn("claim room failed", slog.String("platform", platform.String()), slog.String("room_id", room.ID), slog.Any("error", err))
		}
	}
	return rooms, nil
}

// LiveHistory reads recent history of a room straight from the platform,
// newest first.
func (s *Service) LiveHistory(ctx context.Context, userID string, platform message.Platform, roomID string) ([]message.Message, error) {
	if err := s.authorize(ctx, userID, platform, roomID); err != nil {
		return nil, err
	}
	conn, err := s.live(userID, platform)
	if err != nil {
		return nil, err
	}
	reader, ok := conn.(channel.HistoryReader)
	if !ok {
		return nil, channel.ErrUnsupported
	}
	msgs, err := reader.History(ctx, strings.TrimSpace(roomID), liveHistoryLimit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LiveCustomer names the external participant of a room owned by the user.
func (s *Service) LiveCustomer(ctx context.Context, userID string, platform message.Platform, roomID string) (channel.Customer, error) {
	if err := s.authorize(ctx, userID, platform, roomID); err != nil {
		return channel.Customer{}, err
	}
	conn, err := s.live(userID, platform)
	if err != nil {
		return channel.Customer{}, err
	}
	reader, ok := conn.(channel.CustomerReader)
	if !ok {
		return channel.Customer{}, channel.ErrUnsupported
	}
	return reader.Customer(ctx, strings.TrimSpace(roomID))
}

func (s *Service) ownedRooms(ctx context.Context, userID string, platform message.Platform, rooms []channel.Room) ([]channel.Room, error) {
	owned, err := s.rooms.Rooms(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	mine := make(map[string]struct{}, len(owned))
	for _, roomID := range owned {
		mine[roomID] = struct{}{}
	}
	out := make([]channel.Room, 0, len(rooms))
	for _, room := range rooms {
		if _, ok := mine[room.ID]; ok {
			out = append(out, room)
		}
	}
	return out, nil
}

// LiveSummary summarizes the live history of a room.
func (s *Service) LiveSummary(ctx context.Context, userID string, platform message.Platform, roomID string) (analysis.Summary, error) {
	msgs, err := s.LiveHistory(ctx, userID, platform, roomID)
	if err != nil {
		return analysis.Summary{}, err
	}
	return analysis.Summarize(msgs, s.now()), nil
}

func (s *Service) live(userID string, platform message.Platform) (channel.Connection, error) {
	key := s.connections.Registry().KeyFor(platform, userID)
	conn, ok := s.connections.Get(key)
	if !ok || conn.Status() != channel.StatusConnected {
		return nil, channel.ErrNotConnected
	}
	return conn, nil
}
