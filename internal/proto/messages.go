package proto

// EntityID names an object in the shared session whose effects are executed
// by exactly one participant at a time.
type EntityID uint32

const maxRosterEntries = 1024

// Hello is the first message on every peer connection.
type Hello struct {
	ProtocolVersion uint32
	Fingerprint     uint32
	UserID          string
	UserName        string
}

func (m *Hello) Serialize(w *Writer) error {
	w.PutUvarint32(m.ProtocolVersion)
	w.PutUvarint32(m.Fingerprint)
	w.PutString(m.UserID)
	w.PutString(m.UserName)
	return nil
}

func (m *Hello) Deserialize(r *Reader) error {
	m.ProtocolVersion = r.Uvarint32()
	m.Fingerprint = r.Uvarint32()
	m.UserID = r.Text()
	m.UserName = r.Text()
	return r.Err()
}

// ExecuteCommand carries an operator command from a participant to the
// session authority. Data is the JSON form of the parameter map.
type ExecuteCommand struct {
	SenderID   string
	SenderName string
	Name       string
	Data       []byte
	Timestamp  int64
}

func (m *ExecuteCommand) Serialize(w *Writer) error {
	w.PutString(m.SenderID)
	w.PutString(m.SenderName)
	w.PutString(m.Name)
	w.PutBytes(m.Data)
	w.PutVarint64(m.Timestamp)
	return nil
}

func (m *ExecuteCommand) Deserialize(r *Reader) error {
	m.SenderID = r.Text()
	m.SenderName = r.Text()
	m.Name = r.Text()
	m.Data = r.Blob()
	m.Timestamp = r.Varint64()
	return r.Err()
}

type CommandResult struct {
	Name    string
	Success bool
	Message string
}

func (m *CommandResult) Serialize(w *Writer) error {
	w.PutString(m.Name)
	w.PutBool(m.Success)
	w.PutString(m.Message)
	return nil
}

func (m *CommandResult) Deserialize(r *Reader) error {
	m.Name = r.Text()
	m.Success = r.Bool()
	m.Message = r.Text()
	return r.Err()
}

type PermissionRequest struct {
	UserID   string
	UserName string
	Level    uint32
}

func (m *PermissionRequest) Serialize(w *Writer) error {
	w.PutString(m.UserID)
	w.PutString(m.UserName)
	w.PutUvarint32(m.Level)
	return nil
}

func (m *PermissionRequest) Deserialize(r *Reader) error {
	m.UserID = r.Text()
	m.UserName = r.Text()
	m.Level = r.Uvarint32()
	return r.Err()
}

type PermissionGrant struct {
	UserID string
	Level  uint32
}

func (m *PermissionGrant) Serialize(w *Writer) error {
	w.PutString(m.UserID)
	w.PutUvarint32(m.Level)
	return nil
}

func (m *PermissionGrant) Deserialize(r *Reader) error {
	m.UserID = r.Text()
	m.Level = r.Uvarint32()
	return r.Err()
}

// PermissionUpdate mirrors one change of the authority's role table to every
// participant.
type PermissionUpdate struct {
	UserID  string
	Level   uint32
	Revoked bool
}

func (m *PermissionUpdate) Serialize(w *Writer) error {
	w.PutString(m.UserID)
	w.PutUvarint32(m.Level)
	w.PutBool(m.Revoked)
	return nil
}

func (m *PermissionUpdate) Deserialize(r *Reader) error {
	m.UserID = r.Text()
	m.Level = r.Uvarint32()
	m.Revoked = r.Bool()
	return r.Err()
}

type RosterEntry struct {
	UserID   string
	UserName string
	Level    uint32
	Host     bool
}

type Roster struct {
	Entries []RosterEntry
}

func (m *Roster) Serialize(w *Writer) error {
	w.PutUvarint32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		w.PutString(e.UserID)
		w.PutString(e.UserName)
		w.PutUvarint32(e.Level)
		w.PutBool(e.Host)
	}
	return nil
}

func (m *Roster) Deserialize(r *Reader) error {
	n := r.Uvarint32()
	if n > maxRosterEntries {
		r.fail(ErrFieldSize)
	}
	if r.Err() != nil || n == 0 {
		return r.Err()
	}
	m.Entries = make([]RosterEntry, 0, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		m.Entries = append(m.Entries, RosterEntry{
			UserID:   r.Text(),
			UserName: r.Text(),
			Level:    r.Uvarint32(),
			Host:     r.Bool(),
		})
	}
	return r.Err()
}

// GrantItem adds items to the inventory of Target. It is delivered to
// whichever participant currently owns Target.
type GrantItem struct {
	Target EntityID
	Item   string
	Count  int32
}

func (m *GrantItem) Serialize(w *Writer) error {
	w.PutUvarint32(uint32(m.Target))
	w.PutString(m.Item)
	w.PutVarint32(m.Count)
	return nil
}

func (m *GrantItem) Deserialize(r *Reader) error {
	m.Target = EntityID(r.Uvarint32())
	m.Item = r.Text()
	m.Count = r.Varint32()
	return r.Err()
}

// Broadcast wraps a message the authority fans out to every participant.
// Origin is the connection it arrived on and never goes on the wire.
type Broadcast struct {
	Origin string
	Inner  Message
}

func (m *Broadcast) Serialize(w *Writer) error {
	return w.PutEnvelope(m.Inner)
}

func (m *Broadcast) Deserialize(r *Reader) error {
	m.Inner = r.Envelope()
	return r.Err()
}

// Redirect asks the authority to deliver Inner to the owner of Target.
type Redirect struct {
	Target EntityID
	Inner  Message
}

func (m *Redirect) Serialize(w *Writer) error {
	w.PutUvarint32(uint32(m.Target))
	return w.PutEnvelope(m.Inner)
}

func (m *Redirect) Deserialize(r *Reader) error {
	m.Target = EntityID(r.Uvarint32())
	m.Inner = r.Envelope()
	return r.Err()
}

// Default is the message table shared by every build of this module. New
// types are appended; reordering breaks the wire format and must bump
// ProtocolVersion.
var Default = MustRegistry(
	Entry{Name: "hello", New: func() Message { return &Hello{} }},
	Entry{Name: "execute_command", New: func() Message { return &ExecuteCommand{} }},
	Entry{Name: "command_result", New: func() Message { return &CommandResult{} }},
	Entry{Name: "permission_request", New: func() Message { return &PermissionRequest{} }},
	Entry{Name: "permission_grant", New: func() Message { return &PermissionGrant{} }},
	Entry{Name: "permission_update", New: func() Message { return &PermissionUpdate{} }},
	Entry{Name: "roster", New: func() Message { return &Roster{} }},
	Entry{Name: "grant_item", New: func() Message { return &GrantItem{} }},
	Entry{Name: "broadcast", New: func() Message { return &Broadcast{} }},
	Entry{Name: "redirect", New: func() Message { return &Redirect{} }},
)
