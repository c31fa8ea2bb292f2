package session

import (
	"sessionops/internal/permission"
)

type PlayerStatus struct {
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName"`
	Permission permission.Role `json:"permission"`
	IsHost     bool            `json:"isHost"`
}

// NetworkStatus is the local participant's view of the session.
type NetworkStatus struct {
	Mode              Mode            `json:"mode"`
	IsHost            bool            `json:"isHost"`
	IsClient          bool            `json:"isClient"`
	IsConnected       bool            `json:"isConnected"`
	CurrentUserID     string          `json:"currentUserId"`
	CurrentUserName   string          `json:"currentUserName"`
	CurrentPermission permission.Role `json:"currentPermission"`
	IsCurrentUserHost bool            `json:"isCurrentUserHost"`
	HostUserID        string          `json:"hostUserId,omitempty"`
	HostUserName      string          `json:"hostUserName,omitempty"`
	ConnectedPlayers  int             `json:"connectedPlayers"`
	AwaitingHello     int             `json:"awaitingHello"`
	Players           []PlayerStatus  `json:"players"`
}

func (s *Service) Status() NetworkStatus {
	st := NetworkStatus{
		Mode:              s.opts.Mode,
		CurrentUserID:     s.opts.UserID,
		CurrentUserName:   s.opts.UserName,
		CurrentPermission: s.perms.GetPermission(s.opts.UserID),
		IsCurrentUserHost: s.perms.IsHost(s.opts.UserID),
		AwaitingHello:     s.roster.awaiting(),
	}
	s.mu.RLock()
	attached := s.attached
	st.HostUserID = s.hostID
	st.HostUserName = s.hostName
	remote := s.remote
	s.mu.RUnlock()

	switch {
	case attached:
		st.IsClient = true
		st.IsConnected = true
		for _, e := range remote {
			st.Players = append(st.Players, PlayerStatus{
				UserID:     e.UserID,
				UserName:   e.UserName,
				Permission: s.perms.GetPermission(e.UserID),
				IsHost:     e.Host,
			})
		}
	default:
		st.IsHost = s.opts.Mode == ModeHost
		st.IsConnected = s.opts.Mode == ModeHost
		st.HostUserID = s.opts.UserID
		st.HostUserName = s.opts.UserName
		for _, e := range s.rosterMessage().Entries {
			st.Players = append(st.Players, PlayerStatus{
				UserID:     e.UserID,
				UserName:   e.UserName,
				Permission: permission.Role(e.Level),
				IsHost:     e.Host,
			})
		}
	}
	if len(st.Players) == 0 {
		st.Players = []PlayerStatus{{
			UserID:     s.opts.UserID,
			UserName:   s.opts.UserName,
			Permission: st.CurrentPermission,
			IsHost:     st.IsCurrentUserHost,
		}}
	}
	st.ConnectedPlayers = len(st.Players)
	return st
}
