package permission

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"sessionops/internal/command"
	"sessionops/internal/debuglog"
)

var (
	ErrHostAlreadyAssigned = errors.New("host already assigned")
	ErrHostImmutable       = errors.New("host role cannot be changed")
	ErrMissingUser         = errors.New("missing user id")
)

// Unmapped commands require this role.
const Strictest = Admin

// DefaultCommandRoles is the minimum role per command name.
func DefaultCommandRoles() map[string]Role {
	return map[string]Role{
		"refreshstate":       ReadOnly,
		"debugplayeritems":   ReadOnly,
		"debugitems":         ReadOnly,
		"debuginteractables": ReadOnly,
		"debugmonsters":      ReadOnly,
		"toggleespoverlay":   ReadOnly,

		"spawnitem":           Basic,
		"setmoney":            Basic,
		"sethealth":           Basic,
		"setlevel":            Basic,
		"configureespoverlay": Basic,

		"godmode":           Advanced,
		"changeplayer":      Advanced,
		"teleportplayer":    Advanced,
		"spawnmonster":      Advanced,
		"spawninteractable": Advanced,
		"givemonsterbuff":   Advanced,
		"givemonsteritem":   Advanced,

		"changestage":         Admin,
		"killplayer":          Admin,
		"reviveplayer":        Admin,
		"chargeteleporter":    Admin,
		"activateteleporter":  Admin,
		"skipteleporterevent": Admin,
		"spawnteleporter":     Admin,
		"setplayerstats":      Admin,

		"grantpermission": Host,
	}
}

// Service holds the role of every known user and the static command table.
// It is safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	users     map[string]Role
	commands  map[string]Role
	hostID    string
	connected func(userID string) bool
}

func NewService() *Service {
	return NewServiceWithCommands(DefaultCommandRoles())
}

func NewServiceWithCommands(commands map[string]Role) *Service {
	table := make(map[string]Role, len(commands))
	for name, role := range commands {
		table[command.NormalizeName(name)] = role
	}
	debuglog.Debugf("permission: %d command roles", len(table))
	return &Service{
		users:    make(map[string]Role),
		commands: table,
	}
}

// TrackConnected installs the liveness check SetHost consults before
// replacing an existing host. Without one the current host is always
// considered connected.
func (s *Service) TrackConnected(fn func(userID string) bool) {
	s.mu.Lock()
	s.connected = fn
	s.mu.Unlock()
}

// SetHost assigns Host to userID. It is a no-op for the current host and
// refuses while a different host is still connected.
func (s *Service) SetHost(userID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setHostLocked(userID)
}

func (s *Service) setHostLocked(userID string) error {
	if s.hostID == userID {
		s.users[userID] = Host
		return nil
	}
	if s.hostID != "" {
		if s.connected == nil || s.connected(s.hostID) {
			debuglog.Logf("permission: host refused user=%s current=%s", userID, s.hostID)
			return ErrHostAlreadyAssigned
		}
		debuglog.Logf("permission: host re-elected user=%s previous=%s", userID, s.hostID)
		delete(s.users, s.hostID)
	}
	s.hostID = userID
	s.users[userID] = Host
	debuglog.Logf("permission: host set user=%s", userID)
	return nil
}

func (s *Service) SetPermission(userID string, role Role) error {
	if userID == "" {
		return ErrMissingUser
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %d", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == Host {
		if s.hostID != "" && s.hostID != userID {
			debuglog.Logf("permission: cannot grant Host user=%s host=%s", userID, s.hostID)
			return ErrHostAlreadyAssigned
		}
		return s.setHostLocked(userID)
	}
	if userID == s.hostID {
		return ErrHostImmutable
	}
	s.users[userID] = role
	debuglog.Logf("permission: set user=%s role=%s", userID, role)
	return nil
}

func (s *Service) GetPermission(userID string) Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// RequiredRole returns the minimum role for name and whether name is in
// the table.
func (s *Service) RequiredRole(name string) (Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.commands[command.NormalizeName(name)]
	if !ok {
		return Strictest, false
	}
	return role, true
}

func (s *Service) HasPermission(userID, name string) bool {
	required, _ := s.RequiredRole(name)
	return s.GetPermission(userID).AtLeast(required)
}

// RevokePermission forgets userID. The host cannot be revoked.
func (s *Service) RevokePermission(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != "" && userID == s.hostID {
		debuglog.Logf("permission: cannot revoke host user=%s", userID)
		return ErrHostImmutable
	}
	delete(s.users, userID)
	debuglog.Logf("permission: revoked user=%s", userID)
	return nil
}

// ClearAllPermissions drops every non-host entry and re-asserts the host.
func (s *Service) ClearAllPermissions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]Role)
	if s.hostID != "" {
		s.users[s.hostID] = Host
	}
	debuglog.Logf("permission: cleared non-host entries")
}

// Reset forgets every entry and the host. It is used when this process
// joins or leaves a session authority; hostID may be empty.
func (s *Service) Reset(hostID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]Role)
	s.hostID = hostID
	if hostID != "" {
		s.users[hostID] = Host
	}
	debuglog.Logf("permission: reset host=%s", hostID)
}

func (s *Service) HostID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostID
}

func (s *Service) IsHost(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return userID != "" && userID == s.hostID
}

// All returns a copy of the user table.
func (s *Service) All() map[string]Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Role, len(s.users))
	for id, role := range s.users {
		out[id] = role
	}
	return out
}

type CommandRole struct {
	Name string
	Role Role
}

// Commands lists the static table sorted by name.
func (s *Service) Commands() []CommandRole {
	s.mu.RLock()
	out := make([]CommandRole, 0, len(s.commands))
	for name, role := range s.commands {
		out = append(out, CommandRole{Name: name, Role: role})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
