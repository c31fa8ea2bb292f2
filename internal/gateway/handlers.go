package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"sessionops/internal/command"
	"sessionops/internal/permission"
	"sessionops/internal/session"
)

type catalogEntry struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	RequiredRole permission.Role `json:"requiredRole"`
	Description  string          `json:"description"`
}

type commandRequest struct {
	Type string         `json:"type"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

type commandAccepted struct {
	Type       string    `json:"type"`
	ExecutedBy string    `json:"executedBy"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) catalog() []catalogEntry {
	perms := s.opts.Session.Permissions()
	entries := s.opts.Registry.List()
	out := make([]catalogEntry, 0, len(entries))
	for _, e := range entries {
		required, _ := perms.RequiredRole(e.Name)
		desc := e.Description
		if desc == "" {
			desc = e.Name + " command"
		}
		out = append(out, catalogEntry{Name: e.Name, Category: e.Category, RequiredRole: required, Description: desc})
	}
	return out
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	commands := s.catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"commands": commands,
		"count":    len(commands),
	})
}

// decodeBody reads a JSON object. An empty body and malformed JSON are both
// reported as INVALID_JSON with distinct messages.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) *Error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return newError(http.StatusBadRequest, CodeInvalidJSON, "Request body unreadable", err.Error())
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return newError(http.StatusBadRequest, CodeInvalidJSON, "Request body is empty", "")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newError(http.StatusBadRequest, CodeInvalidJSON, "Invalid JSON format", err.Error())
	}
	return nil
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if e := decodeBody(w, r, &req); e != nil {
		writeError(w, e)
		return
	}
	name := req.Type
	if strings.TrimSpace(name) == "" {
		name = req.Name
	}
	name = command.NormalizeName(name)
	if name == "" {
		writeError(w, newError(http.StatusBadRequest, CodeMissingField, "Command type is required", ""))
		return
	}
	if !s.opts.Registry.Has(name) {
		writeError(w, newError(http.StatusNotFound, CodeUnknownCommand, "Unknown command: "+name,
			"Available commands: "+strings.Join(s.opts.Registry.Names(), ", ")))
		return
	}

	sess := s.opts.Session
	perms := sess.Permissions()
	if !perms.HasPermission(sess.UserID(), name) {
		required, _ := perms.RequiredRole(name)
		writeError(w, denied(name, perms.GetPermission(sess.UserID()), required))
		return
	}

	cmd, err := command.New(name, req.Data, sess.UserID(), sess.UserName())
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, CodeMissingField, err.Error(), ""))
		return
	}
	if err := sess.SendCommand(r.Context(), cmd); err != nil {
		var d *session.DeniedError
		if errors.As(err, &d) {
			writeError(w, denied(name, d.Role, d.Required))
			return
		}
		writeError(w, newError(http.StatusInternalServerError, CodeInternal, "Command could not be sent", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Command accepted",
		"command": commandAccepted{Type: name, ExecutedBy: sess.UserName(), Timestamp: cmd.ReceivedAt},
	})
}

func denied(name string, role, required permission.Role) *Error {
	return newError(http.StatusForbidden, CodePermissionDenied,
		"Insufficient permissions for command: "+name,
		"Your permission: "+role.String()+", Required: "+required.String())
}

type userEntry struct {
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName,omitempty"`
	Permission permission.Role `json:"permission"`
	IsHost     bool            `json:"isHost"`
	Connected  bool            `json:"connected"`
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	sess := s.opts.Session
	perms := sess.Permissions()
	seen := make(map[string]bool)
	var users []userEntry
	for _, p := range sess.Status().Players {
		seen[p.UserID] = true
		users = append(users, userEntry{
			UserID:     p.UserID,
			UserName:   p.UserName,
			Permission: perms.GetPermission(p.UserID),
			IsHost:     perms.IsHost(p.UserID),
			Connected:  true,
		})
	}
	var offline []userEntry
	for id, role := range perms.All() {
		if !seen[id] {
			offline = append(offline, userEntry{UserID: id, Permission: role, IsHost: perms.IsHost(id)})
		}
	}
	sort.Slice(offline, func(i, j int) bool { return offline[i].UserID < offline[j].UserID })
	users = append(users, offline...)

	roles := perms.Commands()
	table := make(map[string]permission.Role, len(roles))
	for _, c := range roles {
		table[c.Name] = c.Role
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"users":    users,
		"hostId":   perms.HostID(),
		"pending":  sess.PendingRequests(),
		"commands": table,
	})
}

type setPermissionRequest struct {
	UserID string `json:"userId"`
	Level  string `json:"level"`
}

func (s *Server) setPermission(w http.ResponseWriter, r *http.Request) {
	var req setPermissionRequest
	if e := decodeBody(w, r, &req); e != nil {
		writeError(w, e)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Level) == "" {
		writeError(w, newError(http.StatusBadRequest, CodeMissingField, "Missing userId or level parameter", ""))
		return
	}
	role, err := permission.ParseRole(req.Level)
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, CodeInvalidRole, "Invalid permission level", err.Error()))
		return
	}
	if err := s.opts.Session.GrantPermission(r.Context(), req.UserID, role); err != nil {
		writeError(w, permissionError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Permission set to " + role.String() + " for user " + req.UserID,
	})
}

func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, newError(http.StatusBadRequest, CodeMissingField, "Missing userId parameter", ""))
		return
	}
	if err := s.opts.Session.RevokePermission(r.Context(), userID); err != nil {
		writeError(w, permissionError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Permission revoked for user " + userID,
	})
}

func permissionError(err error) *Error {
	switch {
	case errors.Is(err, session.ErrNotAuthority):
		return newError(http.StatusForbidden, CodeNotHost, "Only the host can change permissions", "")
	case errors.Is(err, permission.ErrHostAlreadyAssigned), errors.Is(err, permission.ErrHostImmutable):
		return newError(http.StatusConflict, CodeConflict, err.Error(), "")
	case errors.Is(err, permission.ErrMissingUser):
		return newError(http.StatusBadRequest, CodeMissingField, err.Error(), "")
	}
	return newError(http.StatusInternalServerError, CodeInternal, "Permission change failed", err.Error())
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if e := decodeBody(w, r, &req); e != nil {
		writeError(w, e)
		return
	}
	if strings.TrimSpace(req.Level) == "" {
		writeError(w, newError(http.StatusBadRequest, CodeMissingField, "Missing level parameter", ""))
		return
	}
	role, err := permission.ParseRole(req.Level)
	if err != nil {
		writeError(w, newError(http.StatusBadRequest, CodeInvalidRole, "Invalid permission level", err.Error()))
		return
	}
	res, err := s.opts.Session.RequestPermission(r.Context(), role)
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, newError(http.StatusBadRequest, CodeInvalidRole, "Permission level cannot be requested", role.String()))
		return
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, newError(http.StatusServiceUnavailable, CodeNotConnected, "Not connected to a session host", ""))
		return
	case err != nil:
		writeError(w, newError(http.StatusInternalServerError, CodeInternal, "Permission request failed", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Permission request sent for level: " + role.String(),
		"granted": res.Granted,
		"pending": res.Pending,
		"role":    res.Role,
	})
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		session.NetworkStatus
	}{true, s.opts.Session.Status()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	subs := 0
	if s.opts.Subscribers != nil {
		subs = s.opts.Subscribers()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":     true,
		"gameRunning":   true,
		"isInRun":       s.opts.State.InRun(),
		"mode":          s.opts.Session.Mode(),
		"subscribers":   subs,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleGameState(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.State.SnapshotJSON()
	if err != nil {
		writeError(w, newError(http.StatusInternalServerError, CodeInternal, "Game state unavailable", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
