package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sessionops/internal/command"
	"sessionops/internal/debuglog"
	"sessionops/internal/metrics"
	"sessionops/internal/permission"
	"sessionops/internal/proto"
	"sessionops/internal/relay"
)

var (
	ErrNotAuthority    = errors.New("only the session host can change permissions")
	ErrNotConnected    = errors.New("not connected to a session host")
	ErrInvalidRequest  = errors.New("requested role cannot be granted by request")
	ErrVersionMismatch = errors.New("protocol mismatch")
)

type Mode int

const (
	ModeOffline Mode = iota
	ModeHost
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeOffline:
		return "offline"
	case ModeHost:
		return "host"
	case ModeClient:
		return "client"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "offline", "single":
		return ModeOffline, nil
	case "host":
		return ModeHost, nil
	case "client", "join":
		return ModeClient, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// DeniedError is returned when the sender lacks the role a command needs.
type DeniedError struct {
	Command  string
	Role     permission.Role
	Required permission.Role
}

func (e *DeniedError) Error() string {
	return "Insufficient permissions for " + e.Command
}

type Options struct {
	UserID   string
	UserName string
	Mode     Mode
	// AutoApprove is the highest role a request is granted without the
	// host acting on it.
	AutoApprove permission.Role
	Metrics     *metrics.Metrics
	// OnJoin and OnLeave fire on the authority as participants say hello
	// and disconnect.
	OnJoin  func(Member)
	OnLeave func(Member)
}

// PendingRequest is a role request above the auto-approve ceiling, waiting
// for the host.
type PendingRequest struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Role      permission.Role `json:"requested"`
	Requested time.Time       `json:"requestedAt"`
}

// Service is the networking layer of one participant. It decides where a
// command executes, keeps the permission table in step with the host and
// tracks who is in the session.
type Service struct {
	opts       Options
	relay      *relay.Relay
	perms      *permission.Service
	dispatcher *command.Dispatcher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	roster     *roster

	mu         sync.RWMutex
	conns      map[string]relay.Conn
	upstreamID string
	attached   bool
	hostID     string
	hostName   string
	remote     []proto.RosterEntry
	pending    map[string]PendingRequest
	origins    map[string]string
}

func New(opts Options, r *relay.Relay, perms *permission.Service, d *command.Dispatcher) (*Service, error) {
	if opts.UserID == "" {
		return nil, permission.ErrMissingUser
	}
	if opts.AutoApprove == permission.None {
		opts.AutoApprove = permission.Basic
	}
	if opts.AutoApprove >= permission.Host {
		return nil, fmt.Errorf("auto approve ceiling %s too high", opts.AutoApprove)
	}
	s := &Service{
		opts:       opts,
		relay:      r,
		perms:      perms,
		dispatcher: d,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("sessionops/internal/session"),
		roster:     newRoster(),
		conns:      make(map[string]relay.Conn),
		pending:    make(map[string]PendingRequest),
		origins:    make(map[string]string),
	}
	perms.TrackConnected(func(userID string) bool {
		return userID == opts.UserID || s.roster.hasUser(userID)
	})
	s.becomeAuthority()

	r.Handle(&proto.Hello{}, s.onHello)
	r.Handle(&proto.ExecuteCommand{}, s.onExecuteCommand)
	r.Handle(&proto.CommandResult{}, s.onCommandResult)
	r.Handle(&proto.PermissionRequest{}, s.onPermissionRequest)
	r.Handle(&proto.PermissionGrant{}, s.onPermissionGrant)
	r.Handle(&proto.PermissionUpdate{}, s.onPermissionUpdate)
	r.Handle(&proto.Roster{}, s.onRoster)
	r.AuthorityOnly(&proto.Hello{}, &proto.CommandResult{}, &proto.PermissionGrant{}, &proto.PermissionUpdate{}, &proto.Roster{})
	d.Observe(s.reportOutcome)

	debuglog.Logf("session: started %s", debuglog.KV("mode", opts.Mode, "user", opts.UserID, "name", opts.UserName))
	return s, nil
}

// becomeAuthority makes this process the host of its own session. A client
// runs this way until its host says hello, and again after losing it.
func (s *Service) becomeAuthority() {
	s.relay.SetAuthority(true)
	s.perms.Reset("")
	if err := s.perms.SetHost(s.opts.UserID); err != nil {
		debuglog.Logf("session: self election failed err=%v", err)
	}
}

func (s *Service) Mode() Mode {
	return s.opts.Mode
}

func (s *Service) UserID() string {
	return s.opts.UserID
}

func (s *Service) UserName() string {
	return s.opts.UserName
}

// IsAuthority reports whether commands execute in this process.
func (s *Service) IsAuthority() bool {
	return s.relay.IsAuthority()
}

// Attached reports whether a client is joined to a remote host.
func (s *Service) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attached
}

// Permissions is the local view of the permission table.
func (s *Service) Permissions() *permission.Service {
	return s.perms
}

// SendCommand routes cmd to the session authority. On the authority the
// sender's role is checked and the command is queued for the control loop.
// A participant forwards it; the verdict comes back as a CommandResult.
func (s *Service) SendCommand(ctx context.Context, cmd command.Command) error {
	ctx, span := s.tracer.Start(ctx, "session.send_command",
		trace.WithAttributes(
			attribute.String("command.name", cmd.Name),
			attribute.String("command.sender", cmd.SenderID),
			attribute.Bool("session.authority", s.IsAuthority()),
		))
	defer span.End()

	if s.IsAuthority() {
		if err := s.admit(cmd); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		s.dispatcher.Enqueue(cmd)
		return nil
	}

	data, err := json.Marshal(cmd.Data)
	if err != nil {
		return fmt.Errorf("encode command data: %w", err)
	}
	msg := &proto.ExecuteCommand{
		SenderID:   cmd.SenderID,
		SenderName: cmd.SenderName,
		Name:       cmd.Name,
		Data:       data,
		Timestamp:  cmd.ReceivedAt.UnixMilli(),
	}
	if err := s.relay.SendToHost(ctx, msg); err != nil {
		span.RecordError(err)
		debuglog.Logf("session: forward failed %s err=%v", debuglog.KV("command", cmd.Name, "id", cmd.ID), err)
		return nil
	}
	s.metrics.IncCommandForwarded()
	debuglog.Debugf("session: forwarded %s", debuglog.KV("command", cmd.Name, "id", cmd.ID))
	return nil
}

func (s *Service) admit(cmd command.Command) error {
	if s.perms.HasPermission(cmd.SenderID, cmd.Name) {
		return nil
	}
	required, _ := s.perms.RequiredRole(cmd.Name)
	role := s.perms.GetPermission(cmd.SenderID)
	s.metrics.IncCommandDenied()
	debuglog.Logf("session: denied %s", debuglog.KV("command", cmd.Name, "user", cmd.SenderID, "role", role, "required", required))
	return &DeniedError{Command: cmd.Name, Role: role, Required: required}
}

// RequestResult reports how a role request was resolved.
type RequestResult struct {
	Granted bool            `json:"granted"`
	Pending bool            `json:"pending"`
	Role    permission.Role `json:"role"`
}

// RequestPermission asks for role for the local user. The authority holds
// Host already; a participant sends the request upstream.
func (s *Service) RequestPermission(ctx context.Context, role permission.Role) (RequestResult, error) {
	if !role.Valid() || role == permission.None || role == permission.Host {
		return RequestResult{}, ErrInvalidRequest
	}
	if s.IsAuthority() {
		current := s.perms.GetPermission(s.opts.UserID)
		if !current.AtLeast(role) {
			if err := s.perms.SetPermission(s.opts.UserID, role); err != nil {
				return RequestResult{}, err
			}
			current = role
		}
		return RequestResult{Granted: true, Role: current}, nil
	}
	msg := &proto.PermissionRequest{UserID: s.opts.UserID, UserName: s.opts.UserName, Level: uint32(role)}
	if err := s.relay.SendToHost(ctx, msg); err != nil {
		if errors.Is(err, relay.ErrNoUpstream) {
			return RequestResult{}, ErrNotConnected
		}
		return RequestResult{}, err
	}
	debuglog.Logf("session: requested %s", debuglog.KV("role", role))
	return RequestResult{Pending: true, Role: role}, nil
}

// GrantPermission sets userID's role and tells every participant.
func (s *Service) GrantPermission(ctx context.Context, userID string, role permission.Role) error {
	if !s.IsAuthority() {
		return ErrNotAuthority
	}
	if err := s.perms.SetPermission(userID, role); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
	if connID, ok := s.roster.connOf(userID); ok {
		_ = s.relay.SendTo(ctx, connID, &proto.PermissionGrant{UserID: userID, Level: uint32(role)})
	}
	_ = s.relay.SendToEveryone(ctx, &proto.PermissionUpdate{UserID: userID, Level: uint32(role)})
	s.broadcastRoster(ctx)
	return nil
}

// RevokePermission removes userID's role and tells every participant.
func (s *Service) RevokePermission(ctx context.Context, userID string) error {
	if !s.IsAuthority() {
		return ErrNotAuthority
	}
	if userID == "" {
		return permission.ErrMissingUser
	}
	if err := s.perms.RevokePermission(userID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
	_ = s.relay.SendToEveryone(ctx, &proto.PermissionUpdate{UserID: userID, Revoked: true})
	s.broadcastRoster(ctx)
	return nil
}

// PendingRequests lists requests waiting for the host, oldest first.
func (s *Service) PendingRequests() []PendingRequest {
	s.mu.RLock()
	out := make([]PendingRequest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sortPending(out)
	return out
}

// PeerOpened registers an inbound connection. Its user is unknown until
// the hello arrives.
func (s *Service) PeerOpened(c relay.Conn) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	s.roster.open(c.ID())
	s.relay.AddPeer(c)
}

// PeerClosed forgets an inbound connection and the entities it owned.
func (s *Service) PeerClosed(ctx context.Context, connID string) {
	s.relay.RemovePeer(connID)
	s.mu.Lock()
	delete(s.conns, connID)
	for id, origin := range s.origins {
		if origin == connID {
			delete(s.origins, id)
		}
	}
	s.mu.Unlock()
	m, ok := s.roster.leave(connID)
	if !ok {
		return
	}
	debuglog.Logf("session: left %s", debuglog.KV("user", m.UserID, "name", m.UserName, "conn", connID))
	if s.opts.OnLeave != nil {
		s.opts.OnLeave(m)
	}
	s.broadcastRoster(ctx)
}

// UpstreamOpened installs the connection to the host and says hello. The
// hello must be the first frame a participant writes.
func (s *Service) UpstreamOpened(ctx context.Context, c relay.Conn) {
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.upstreamID = c.ID()
	s.mu.Unlock()
	s.relay.SetUpstream(c)
	if err := s.relay.SendTo(ctx, c.ID(), s.hello()); err != nil {
		debuglog.Logf("session: hello failed err=%v", err)
	}
}

// UpstreamClosed handles loss of the host. The local user becomes host of
// its own session until the connection comes back.
func (s *Service) UpstreamClosed(connID string) {
	s.mu.Lock()
	if s.upstreamID != connID {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	wasAttached := s.attached
	s.upstreamID = ""
	s.attached = false
	s.hostID = ""
	s.hostName = ""
	s.remote = nil
	s.mu.Unlock()
	s.relay.SetUpstream(nil)
	s.becomeAuthority()
	if wasAttached {
		debuglog.Logf("session: host connection lost; continuing alone %s", debuglog.KV("user", s.opts.UserID))
	}
}

// Receive feeds one frame from connID into the relay.
func (s *Service) Receive(ctx context.Context, connID string, payload []byte) {
	s.relay.Receive(ctx, connID, payload)
}

func (s *Service) hello() *proto.Hello {
	return &proto.Hello{
		ProtocolVersion: proto.ProtocolVersion,
		Fingerprint:     s.relay.Registry().Fingerprint(),
		UserID:          s.opts.UserID,
		UserName:        s.opts.UserName,
	}
}

func (s *Service) closeConn(connID, reason string) {
	s.mu.RLock()
	c := s.conns[connID]
	s.mu.RUnlock()
	if closer, ok := c.(interface{ Close(string) }); ok {
		closer.Close(reason)
	}
}

func (s *Service) rosterMessage() *proto.Roster {
	self := proto.RosterEntry{
		UserID:   s.opts.UserID,
		UserName: s.opts.UserName,
		Level:    uint32(s.perms.GetPermission(s.opts.UserID)),
		Host:     s.perms.IsHost(s.opts.UserID),
	}
	msg := &proto.Roster{Entries: []proto.RosterEntry{self}}
	for _, m := range s.roster.members() {
		msg.Entries = append(msg.Entries, proto.RosterEntry{
			UserID:   m.UserID,
			UserName: m.UserName,
			Level:    uint32(s.perms.GetPermission(m.UserID)),
			Host:     s.perms.IsHost(m.UserID),
		})
	}
	return msg
}

func (s *Service) broadcastRoster(ctx context.Context) {
	if !s.IsAuthority() || s.relay.PeerCount() == 0 {
		return
	}
	_ = s.relay.SendToEveryone(ctx, s.rosterMessage())
}

// reportOutcome answers a participant once the command it forwarded ran.
func (s *Service) reportOutcome(out command.Outcome) {
	s.mu.Lock()
	connID, ok := s.origins[out.Command.ID]
	delete(s.origins, out.Command.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	msg := &proto.CommandResult{Name: out.Command.Name, Success: out.OK(), Message: "Command executed"}
	if out.Err != nil {
		msg.Message = out.Err.Error()
	}
	_ = s.relay.SendTo(context.Background(), connID, msg)
}
