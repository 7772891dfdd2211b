// Package message defines the registry data model and the payloads exchanged with a
// registry node.
//
// Every type here implements wire.Marshaler. The field order of Meta and SubFilter is the
// interchange format used both on the registry connection and across the byte-buffer
// boundary (package bridge), so it must not change.
package message

import (
	"fmt"
	"strings"

	"mini-s2s/wire"
)

// MetaType tags the encoding of Meta.Data. Values 1..127 are reserved by the registry.
type MetaType int32

const (
	AnyType    MetaType = 0
	TextPlain  MetaType = 128
	S2SDecoder MetaType = 129
	YYProtocol MetaType = 130
	TextJSON   MetaType = 131
	MusicProc  MetaType = 4096
)

func (t MetaType) String() string {
	switch t {
	case AnyType:
		return "any"
	case TextPlain:
		return "textplain"
	case S2SDecoder:
		return "s2sdecoder"
	case YYProtocol:
		return "yyprotocol"
	case TextJSON:
		return "textjson"
	case MusicProc:
		return "music_proc"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// MetaStatus is the registry's view of a publisher.
type MetaStatus uint32

const (
	MetaOK   MetaStatus = 0
	MetaDied MetaStatus = 1 // publisher evicted or unregistered
)

func (s MetaStatus) String() string {
	switch s {
	case MetaOK:
		return "ok"
	case MetaDied:
		return "died"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// SessionStatus is the client's logical connection state.
type SessionStatus uint32

const (
	SessionOff         SessionStatus = 0
	SessionOn          SessionStatus = 1 // transport connected, login accepted
	SessionBind        SessionStatus = 2 // subscriptions and registration restored
	SessionDNSError    SessionStatus = 3
	SessionAuthFailure SessionStatus = 4
	SessionError       SessionStatus = 5
)

func (s SessionStatus) String() string {
	switch s {
	case SessionOff:
		return "off"
	case SessionOn:
		return "on"
	case SessionBind:
		return "bind"
	case SessionDNSError:
		return "dns_error"
	case SessionAuthFailure:
		return "auth_failure"
	case SessionError:
		return "error"
	default:
		return fmt.Sprintf("session(%d)", uint32(s))
	}
}

// Failed reports whether s is one of the failure states.
func (s SessionStatus) Failed() bool {
	return s == SessionDNSError || s == SessionAuthFailure || s == SessionError
}

// UnassignedServerID marks a Meta the registry has not accepted yet.
const UnassignedServerID int64 = -1

// Meta is one published service descriptor.
type Meta struct {
	ServerID  int64 // assigned by the registry
	Type      MetaType
	Name      string
	GroupID   int32 // datacenter id, 0 = unspecified
	Data      []byte
	Timestamp int64 // set by the registry, monotonic per entry
	Status    MetaStatus
}

// NewMeta returns a Meta with no server-assigned identity.
func NewMeta(name string, typ MetaType, groupID int32, data []byte) Meta {
	return Meta{ServerID: UnassignedServerID, Type: typ, Name: name, GroupID: groupID, Data: data}
}

func (m *Meta) Marshal(p *wire.Pack) {
	p.PutInt64(m.ServerID)
	p.PutInt32(int32(m.Type))
	p.PutString(m.Name)
	p.PutInt32(m.GroupID)
	p.PutBytes(m.Data)
	p.PutInt64(m.Timestamp)
	p.PutUint32(uint32(m.Status))
}

func (m *Meta) Unmarshal(u *wire.Unpack) error {
	var err error
	if m.ServerID, err = u.PopInt64(); err != nil {
		return err
	}
	t, err := u.PopInt32()
	if err != nil {
		return err
	}
	m.Type = MetaType(t)
	if m.Name, err = u.PopString(); err != nil {
		return err
	}
	if m.GroupID, err = u.PopInt32(); err != nil {
		return err
	}
	if m.Data, err = u.PopBytes(); err != nil {
		return err
	}
	if m.Timestamp, err = u.PopInt64(); err != nil {
		return err
	}
	s, err := u.PopUint32()
	if err != nil {
		return err
	}
	m.Status = MetaStatus(s)
	return nil
}

// Clone returns a deep copy.
func (m Meta) Clone() Meta {
	if m.Data != nil {
		m.Data = append([]byte(nil), m.Data...)
	}
	return m
}

// SubFilter selects registry entries. All three fields must match.
type SubFilter struct {
	InterestedName  string   // name prefix, "" matches every name
	InterestedGroup int32    // 0 matches every group
	S2SType         MetaType // AnyType matches every type
}

// Match reports whether m satisfies f.
func (f SubFilter) Match(m *Meta) bool {
	if !strings.HasPrefix(m.Name, f.InterestedName) {
		return false
	}
	if f.InterestedGroup != 0 && f.InterestedGroup != m.GroupID {
		return false
	}
	if f.S2SType != AnyType && f.S2SType != m.Type {
		return false
	}
	return true
}

func (f *SubFilter) Marshal(p *wire.Pack) {
	p.PutString(f.InterestedName)
	p.PutInt32(f.InterestedGroup)
	p.PutInt32(int32(f.S2SType))
}

func (f *SubFilter) Unmarshal(u *wire.Unpack) error {
	var err error
	if f.InterestedName, err = u.PopString(); err != nil {
		return err
	}
	if f.InterestedGroup, err = u.PopInt32(); err != nil {
		return err
	}
	t, err := u.PopInt32()
	if err != nil {
		return err
	}
	f.S2SType = MetaType(t)
	return nil
}

// Filters is an OR over its elements.
type Filters []SubFilter

// Match reports whether any filter accepts m.
func (fs Filters) Match(m *Meta) bool {
	for i := range fs {
		if fs[i].Match(m) {
			return true
		}
	}
	return false
}

func (fs *Filters) Marshal(p *wire.Pack) {
	p.PutUint32(uint32(len(*fs)))
	for i := range *fs {
		(*fs)[i].Marshal(p)
	}
}

func (fs *Filters) Unmarshal(u *wire.Unpack) error {
	// name length + group + type
	n, err := u.PopLength("filter sequence", 12)
	if err != nil {
		return err
	}
	out := make(Filters, n)
	for i := range out {
		if err := out[i].Unmarshal(u); err != nil {
			return err
		}
	}
	*fs = out
	return nil
}

// Metas is a counted sequence of entries.
type Metas []Meta

func (ms *Metas) Marshal(p *wire.Pack) {
	p.PutUint32(uint32(len(*ms)))
	for i := range *ms {
		(*ms)[i].Marshal(p)
	}
}

func (ms *Metas) Unmarshal(u *wire.Unpack) error {
	// smallest Meta: 8+4+4+4+4+8+4
	n, err := u.PopLength("meta sequence", 36)
	if err != nil {
		return err
	}
	out := make(Metas, n)
	for i := range out {
		if err := out[i].Unmarshal(u); err != nil {
			return err
		}
	}
	*ms = out
	return nil
}

// NotifyResult is what PollNotify hands to the application: the session status at the
// time the batch was committed and the entries it carried.
type NotifyResult struct {
	Status SessionStatus
	Metas  Metas
}

func (r *NotifyResult) Marshal(p *wire.Pack) {
	p.PutUint32(uint32(r.Status))
	r.Metas.Marshal(p)
}

func (r *NotifyResult) Unmarshal(u *wire.Unpack) error {
	s, err := u.PopUint32()
	if err != nil {
		return err
	}
	r.Status = SessionStatus(s)
	return r.Metas.Unmarshal(u)
}
