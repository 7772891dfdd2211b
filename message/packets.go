package message

import (
	"errors"
	"fmt"

	"mini-s2s/errdefs"
	"mini-s2s/protocol"
	"mini-s2s/wire"
)

// Packet is a payload that knows its frame type.
type Packet interface {
	wire.Marshaler
	MsgType() protocol.MsgType
}

// Login opens a session. It is the first frame on every connection.
type Login struct {
	Name          string
	Key           string
	Type          MetaType // encoding of the Data this client will publish
	GroupID       int32    // 0 lets the registry decide
	LostCheck     uint32   // session.LostCheckType
	Direct        bool     // false when talking to a local daemon
	ClientVersion string
	MinVersion    string // oldest registry version this client accepts
	InstanceID    string // stable for the lifetime of the Client, survives reconnects
}

func (*Login) MsgType() protocol.MsgType { return protocol.MsgLogin }

func (l *Login) Marshal(p *wire.Pack) {
	p.PutString(l.Name)
	p.PutString(l.Key)
	p.PutInt32(int32(l.Type))
	p.PutInt32(l.GroupID)
	p.PutUint32(l.LostCheck)
	p.PutBool(l.Direct)
	p.PutString(l.ClientVersion)
	p.PutString(l.MinVersion)
	p.PutString(l.InstanceID)
}

func (l *Login) Unmarshal(u *wire.Unpack) error {
	var err error
	if l.Name, err = u.PopString(); err != nil {
		return err
	}
	if l.Key, err = u.PopString(); err != nil {
		return err
	}
	t, err := u.PopInt32()
	if err != nil {
		return err
	}
	l.Type = MetaType(t)
	if l.GroupID, err = u.PopInt32(); err != nil {
		return err
	}
	if l.LostCheck, err = u.PopUint32(); err != nil {
		return err
	}
	if l.Direct, err = u.PopBool(); err != nil {
		return err
	}
	if l.ClientVersion, err = u.PopString(); err != nil {
		return err
	}
	if l.MinVersion, err = u.PopString(); err != nil {
		return err
	}
	l.InstanceID, err = u.PopString()
	return err
}

// LoginAck accepts a Login.
type LoginAck struct {
	ServerVersion    string
	MinClientVersion string
	GroupID          int32  // group the registry stamps on this client's entry
	HeartbeatMillis  uint32 // registry's preferred probe interval, 0 = client default
}

func (*LoginAck) MsgType() protocol.MsgType { return protocol.MsgLoginAck }

func (a *LoginAck) Marshal(p *wire.Pack) {
	p.PutString(a.ServerVersion)
	p.PutString(a.MinClientVersion)
	p.PutInt32(a.GroupID)
	p.PutUint32(a.HeartbeatMillis)
}

func (a *LoginAck) Unmarshal(u *wire.Unpack) error {
	var err error
	if a.ServerVersion, err = u.PopString(); err != nil {
		return err
	}
	if a.MinClientVersion, err = u.PopString(); err != nil {
		return err
	}
	if a.GroupID, err = u.PopInt32(); err != nil {
		return err
	}
	a.HeartbeatMillis, err = u.PopUint32()
	return err
}

// Subscribe replaces the connection's filter set. Generation tags the Notify frames that
// answer it so completions of an older set can be told apart.
type Subscribe struct {
	Generation uint64
	Filters    Filters
}

func (*Subscribe) MsgType() protocol.MsgType { return protocol.MsgSubscribe }

func (s *Subscribe) Marshal(p *wire.Pack) {
	p.PutUint64(s.Generation)
	s.Filters.Marshal(p)
}

func (s *Subscribe) Unmarshal(u *wire.Unpack) error {
	var err error
	if s.Generation, err = u.PopUint64(); err != nil {
		return err
	}
	return s.Filters.Unmarshal(u)
}

// Register publishes (or updates) the caller's own entry.
type Register struct {
	Data []byte
}

func (*Register) MsgType() protocol.MsgType { return protocol.MsgRegister }

func (r *Register) Marshal(p *wire.Pack) { p.PutBytes(r.Data) }

func (r *Register) Unmarshal(u *wire.Unpack) (err error) {
	r.Data, err = u.PopBytes()
	return err
}

// RegisterAck returns the entry as stored by the registry.
type RegisterAck struct {
	Meta Meta
}

func (*RegisterAck) MsgType() protocol.MsgType { return protocol.MsgRegisterAck }

func (a *RegisterAck) Marshal(p *wire.Pack) { a.Meta.Marshal(p) }

func (a *RegisterAck) Unmarshal(u *wire.Unpack) error { return a.Meta.Unmarshal(u) }

// Unregister removes the caller's entry.
type Unregister struct{}

func (*Unregister) MsgType() protocol.MsgType    { return protocol.MsgUnregister }
func (*Unregister) Marshal(*wire.Pack)           {}
func (*Unregister) Unmarshal(*wire.Unpack) error { return nil }

// Ack is the empty success reply.
type Ack struct{}

func (*Ack) MsgType() protocol.MsgType    { return protocol.MsgAck }
func (*Ack) Marshal(*wire.Pack)           {}
func (*Ack) Unmarshal(*wire.Unpack) error { return nil }

// Heartbeat is the liveness probe.
type Heartbeat struct{}

func (*Heartbeat) MsgType() protocol.MsgType    { return protocol.MsgHeartbeat }
func (*Heartbeat) Marshal(*wire.Pack)           {}
func (*Heartbeat) Unmarshal(*wire.Unpack) error { return nil }

// Notify is pushed by the registry. Completed lists the indexes (into the Subscribe of the
// same Generation) of filters whose full initial result is contained in this or an
// earlier batch.
type Notify struct {
	Generation uint64
	Metas      Metas
	Completed  []uint32
}

func (*Notify) MsgType() protocol.MsgType { return protocol.MsgNotify }

func (n *Notify) Marshal(p *wire.Pack) {
	p.PutUint64(n.Generation)
	n.Metas.Marshal(p)
	p.PutUint32s(n.Completed)
}

func (n *Notify) Unmarshal(u *wire.Unpack) error {
	var err error
	if n.Generation, err = u.PopUint64(); err != nil {
		return err
	}
	if err = n.Metas.Unmarshal(u); err != nil {
		return err
	}
	n.Completed, err = u.PopUint32s()
	return err
}

// Error codes carried by ErrorReply.
const (
	CodeInternal          uint32 = 1
	CodeInvalidCredential uint32 = 2
	CodeIncompatible      uint32 = 3
	CodeInvalidState      uint32 = 4
	CodeNotFound          uint32 = 5
	CodeMalformed         uint32 = 6
	CodeRateLimited       uint32 = 7
)

// ErrorReply is sent instead of the normal reply when a request fails.
type ErrorReply struct {
	Code uint32
	Text string
}

func (*ErrorReply) MsgType() protocol.MsgType { return protocol.MsgError }

func (e *ErrorReply) Marshal(p *wire.Pack) {
	p.PutUint32(e.Code)
	p.PutString(e.Text)
}

func (e *ErrorReply) Unmarshal(u *wire.Unpack) error {
	var err error
	if e.Code, err = u.PopUint32(); err != nil {
		return err
	}
	e.Text, err = u.PopString()
	return err
}

// Err converts the reply into an errdefs error.
func (e *ErrorReply) Err() error {
	var base error
	switch e.Code {
	case CodeInvalidCredential:
		base = errdefs.ErrInvalidCredential
	case CodeIncompatible:
		base = errdefs.ErrIncompatibleVersion
	case CodeInvalidState:
		base = errdefs.ErrInvalidState
	case CodeNotFound:
		base = errdefs.ErrNotFound
	case CodeMalformed:
		base = errdefs.ErrDecode
	case CodeRateLimited:
		base = errdefs.ErrRateLimited
	default:
		return fmt.Errorf("registry error %d: %s", e.Code, e.Text)
	}
	if e.Text == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, e.Text)
}

// NewErrorReply builds the reply for err.
func NewErrorReply(err error) *ErrorReply {
	code := CodeInternal
	switch {
	case errors.Is(err, errdefs.ErrInvalidCredential):
		code = CodeInvalidCredential
	case errors.Is(err, errdefs.ErrIncompatibleVersion):
		code = CodeIncompatible
	case errors.Is(err, errdefs.ErrInvalidState):
		code = CodeInvalidState
	case errors.Is(err, errdefs.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, errdefs.ErrDecode):
		code = CodeMalformed
	case errors.Is(err, errdefs.ErrRateLimited):
		code = CodeRateLimited
	}
	return &ErrorReply{Code: code, Text: err.Error()}
}

// New returns an empty packet for t, or nil when t carries no payload type.
func New(t protocol.MsgType) Packet {
	switch t {
	case protocol.MsgHeartbeat:
		return &Heartbeat{}
	case protocol.MsgLogin:
		return &Login{}
	case protocol.MsgLoginAck:
		return &LoginAck{}
	case protocol.MsgSubscribe:
		return &Subscribe{}
	case protocol.MsgRegister:
		return &Register{}
	case protocol.MsgRegisterAck:
		return &RegisterAck{}
	case protocol.MsgUnregister:
		return &Unregister{}
	case protocol.MsgAck:
		return &Ack{}
	case protocol.MsgNotify:
		return &Notify{}
	case protocol.MsgError:
		return &ErrorReply{}
	default:
		return nil
	}
}
