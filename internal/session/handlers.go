package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"sessionops/internal/command"
	"sessionops/internal/debuglog"
	"sessionops/internal/permission"
	"sessionops/internal/proto"
	"sessionops/internal/relay"
)

func (s *Service) fromUpstream(from string) bool {
	if from == relay.Local {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return from == s.upstreamID
}

func (s *Service) onHello(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.Hello)
	if from == relay.Local {
		return
	}
	if msg.ProtocolVersion != proto.ProtocolVersion || msg.Fingerprint != s.relay.Registry().Fingerprint() {
		debuglog.Logf("session: %v %s", ErrVersionMismatch, debuglog.KV("conn", from, "version", msg.ProtocolVersion, "fingerprint", msg.Fingerprint))
		s.closeConn(from, ErrVersionMismatch.Error())
		return
	}
	if msg.UserID == "" {
		s.closeConn(from, "hello without user id")
		return
	}
	if s.fromUpstream(from) {
		s.attach(msg)
		return
	}
	if !s.IsAuthority() {
		s.relay.RemovePeer(from)
		s.closeConn(from, "not a session host")
		return
	}
	if msg.UserID == s.opts.UserID || s.roster.hasUser(msg.UserID) {
		debuglog.Logf("session: duplicate user %s", debuglog.KV("user", msg.UserID, "conn", from))
		s.closeConn(from, "user already in session")
		return
	}
	member := Member{ConnID: from, UserID: msg.UserID, UserName: msg.UserName}
	s.roster.join(member)
	debuglog.Logf("session: joined %s", debuglog.KV("user", member.UserID, "name", member.UserName, "conn", from))
	if s.opts.OnJoin != nil {
		s.opts.OnJoin(member)
	}
	_ = s.relay.SendTo(ctx, from, s.hello())
	s.broadcastRoster(ctx)
}

// attach switches a client from running alone to following the host.
func (s *Service) attach(host *proto.Hello) {
	s.mu.Lock()
	s.attached = true
	s.hostID = host.UserID
	s.hostName = host.UserName
	s.mu.Unlock()
	s.relay.SetAuthority(false)
	s.perms.Reset(host.UserID)
	debuglog.Logf("session: attached %s", debuglog.KV("host", host.UserID, "name", host.UserName))
}

func (s *Service) onExecuteCommand(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.ExecuteCommand)
	if !s.IsAuthority() {
		return
	}
	member, ok := s.roster.byConnID(from)
	if !ok {
		debuglog.RateLimitedf("session:exec:nohello", 5*time.Second, "session: command before hello %s", debuglog.KV("conn", from, "command", msg.Name))
		return
	}
	// The sender is whoever said hello on this connection.
	if msg.SenderID != "" && msg.SenderID != member.UserID {
		debuglog.Logf("session: sender rebound %s", debuglog.KV("claimed", msg.SenderID, "user", member.UserID))
	}
	var data map[string]any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			_ = s.relay.SendTo(ctx, from, &proto.CommandResult{Name: msg.Name, Message: "Invalid command data"})
			return
		}
	}
	cmd, err := command.New(msg.Name, data, member.UserID, member.UserName)
	if err != nil {
		_ = s.relay.SendTo(ctx, from, &proto.CommandResult{Name: msg.Name, Message: err.Error()})
		return
	}
	if err := s.admit(cmd); err != nil {
		_ = s.relay.SendTo(ctx, from, &proto.CommandResult{Name: cmd.Name, Message: err.Error()})
		return
	}
	s.mu.Lock()
	s.origins[cmd.ID] = from
	s.mu.Unlock()
	s.dispatcher.Enqueue(cmd)
}

func (s *Service) onCommandResult(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.CommandResult)
	if msg.Success {
		debuglog.Logf("session: command ok %s", debuglog.KV("command", msg.Name, "message", msg.Message))
		return
	}
	debuglog.Logf("session: command failed %s", debuglog.KV("command", msg.Name, "message", msg.Message))
}

func (s *Service) onPermissionRequest(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.PermissionRequest)
	if !s.IsAuthority() || from == relay.Local {
		return
	}
	member, ok := s.roster.byConnID(from)
	if !ok {
		return
	}
	role := permission.Role(msg.Level)
	if !role.Valid() || role == permission.None || role == permission.Host {
		_ = s.relay.SendTo(ctx, from, &proto.CommandResult{Name: "requestpermission", Message: ErrInvalidRequest.Error()})
		return
	}
	if role <= s.opts.AutoApprove {
		debuglog.Logf("session: auto approved %s", debuglog.KV("user", member.UserID, "role", role))
		if err := s.GrantPermission(ctx, member.UserID, role); err != nil {
			debuglog.Logf("session: grant failed %s err=%v", debuglog.KV("user", member.UserID), err)
		}
		return
	}
	s.mu.Lock()
	s.pending[member.UserID] = PendingRequest{
		UserID:    member.UserID,
		UserName:  member.UserName,
		Role:      role,
		Requested: time.Now().UTC(),
	}
	s.mu.Unlock()
	debuglog.Logf("session: request pending %s", debuglog.KV("user", member.UserID, "role", role))
}

// Grants and updates originate on the host; a host never takes them from
// a peer.
func (s *Service) onPermissionGrant(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.PermissionGrant)
	if !s.fromUpstream(from) {
		return
	}
	role := permission.Role(msg.Level)
	if err := s.perms.SetPermission(msg.UserID, role); err != nil {
		debuglog.Logf("session: grant not applied %s err=%v", debuglog.KV("user", msg.UserID), err)
		return
	}
	if msg.UserID == s.opts.UserID {
		debuglog.Logf("session: granted %s", debuglog.KV("role", role))
	}
}

func (s *Service) onPermissionUpdate(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.PermissionUpdate)
	if !s.fromUpstream(from) {
		return
	}
	var err error
	if msg.Revoked {
		err = s.perms.RevokePermission(msg.UserID)
	} else {
		err = s.perms.SetPermission(msg.UserID, permission.Role(msg.Level))
	}
	if err != nil {
		debuglog.Logf("session: update not applied %s err=%v", debuglog.KV("user", msg.UserID), err)
	}
}

// onRoster replaces a client's view of the session and its permission
// mirror with the host's.
func (s *Service) onRoster(ctx context.Context, from string, m proto.Message) {
	msg := m.(*proto.Roster)
	if !s.fromUpstream(from) {
		return
	}
	s.mu.Lock()
	s.remote = append([]proto.RosterEntry(nil), msg.Entries...)
	hostID := s.hostID
	s.mu.Unlock()
	for _, e := range msg.Entries {
		if e.Host {
			hostID = e.UserID
		}
	}
	s.perms.Reset(hostID)
	for _, e := range msg.Entries {
		if e.Host || e.Level == 0 {
			continue
		}
		if err := s.perms.SetPermission(e.UserID, permission.Role(e.Level)); err != nil {
			debuglog.Logf("session: roster entry not applied %s err=%v", debuglog.KV("user", e.UserID), err)
		}
	}
}

func sortPending(p []PendingRequest) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Requested.Equal(p[j].Requested) {
			return p[i].UserID < p[j].UserID
		}
		return p[i].Requested.Before(p[j].Requested)
	})
}
