// Package fakemeta is an in-process registry node speaking the client wire protocol.
// It keeps entries in memory, answers logins, subscriptions and registrations, pushes
// updates to subscribers and lets tests cut connections or refuse new ones.
//
// Connection pipeline:
//
//	Accept conn → serveConn (one goroutine reads frames)
//	  → handle (login / subscribe / register / unregister / heartbeat)
//	  → replies and pushes share the per-connection write lock
package fakemeta

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/protocol"
	"mini-s2s/transport"
	"mini-s2s/wire"
)

const DefaultVersion = "3.1.0"

// Server is a fake registry node.
type Server struct {
	// Credentials, when set, lists the accepted key per name. Unknown names are refused.
	Credentials map[string]string
	Version     string
	// MinClientVersion refuses older clients when set.
	MinClientVersion string
	// ProbeInterval is how often the server probes clients that asked for server side
	// checks. Zero disables probing.
	ProbeInterval time.Duration
	Logger        *zap.Logger

	listener net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup
	refuse   atomic.Bool

	mu        sync.Mutex
	sessions  map[*session]struct{}
	entries   map[int64]*message.Meta
	instances map[string]int64 // client instance -> server id it was given
	nextID    int64
	clock     int64 // entry timestamps
}

type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	done    chan struct{}

	// guarded by Server.mu
	login      *message.Login
	generation uint64
	filters    message.Filters
	serverID   int64 // own entry, UnassignedServerID when not registered
}

func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Version:   DefaultVersion,
		Logger:    logger,
		sessions:  make(map[*session]struct{}),
		entries:   make(map[int64]*message.Meta),
		instances: make(map[string]int64),
		nextID:    1000,
	}
}

// Start listens on addr ("127.0.0.1:0" for tests) and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.serve()
	return nil
}

// Addr is the listening address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				s.Logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		if s.refuse.Load() {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Refuse makes the server drop new connections right after accepting them, as if the
// node were unreachable.
func (s *Server) Refuse(on bool) { s.refuse.Store(on) }

// DropConnections closes every client connection. Entries of those clients are
// removed and reported DIED to the remaining subscribers.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.sessions))
	for sess := range s.sessions {
		conns = append(conns, sess.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Sessions returns the number of logged in clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.login != nil {
			n++
		}
	}
	return n
}

// Entries returns the stored entries ordered by server id.
func (s *Server) Entries() []message.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Meta, 0, len(s.entries))
	for _, m := range s.entries {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Publish stores an entry owned by no connection, as if another registry node had
// accepted it, and pushes it to subscribers. It returns the stored entry.
func (s *Server) Publish(name string, typ message.MetaType, group int32, data []byte) message.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := message.NewMeta(name, typ, group, append([]byte(nil), data...))
	m.ServerID = s.allocID("")
	s.clock++
	m.Timestamp = s.clock
	s.entries[m.ServerID] = &m
	s.broadcastLocked(m)
	return m.Clone()
}

// Remove deletes an entry and pushes it as DIED.
func (s *Server) Remove(serverID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(serverID)
}

// Shutdown stops accepting, closes all connections and waits for their goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	err := s.listener.Close()
	s.DropConnections()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-time.After(timeout):
		return errors.Join(err, fmt.Errorf("fakemeta: timeout waiting for connections to finish"))
	}
}

// serveConn reads frames sequentially and handles them in order, so pushes caused by a
// request are written after its reply.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	sess := &session{conn: conn, done: make(chan struct{}), serverID: message.UnassignedServerID}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		close(sess.done)
		conn.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		if sess.serverID != message.UnassignedServerID {
			s.removeLocked(sess.serverID)
		}
		s.mu.Unlock()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		req := message.New(header.MsgType)
		if err := wire.Decode(body, req); err != nil {
			s.reply(sess, header.Seq, message.NewErrorReply(err))
			continue
		}
		if err := s.handle(sess, header.Seq, req); err != nil {
			s.Logger.Debug("closing client", zap.Error(err))
			return
		}
	}
}

func (s *Server) handle(sess *session, seq uint32, req message.Packet) error {
	if _, isLogin := req.(*message.Login); !isLogin {
		s.mu.Lock()
		loggedIn := sess.login != nil
		s.mu.Unlock()
		if !loggedIn {
			return s.reply(sess, seq, message.NewErrorReply(fmt.Errorf("%w: login first", errdefs.ErrInvalidState)))
		}
	}

	switch r := req.(type) {
	case *message.Login:
		return s.handleLogin(sess, seq, r)
	case *message.Heartbeat:
		return s.reply(sess, seq, &message.Ack{})
	case *message.Ack:
		return nil // answer to one of our probes
	case *message.Subscribe:
		return s.handleSubscribe(sess, seq, r)
	case *message.Register:
		return s.handleRegister(sess, seq, r)
	case *message.Unregister:
		s.mu.Lock()
		if sess.serverID == message.UnassignedServerID {
			s.mu.Unlock()
			return s.reply(sess, seq, message.NewErrorReply(errdefs.ErrNotFound))
		}
		// the reply must precede the DIED push on this connection
		err := s.reply(sess, seq, &message.Ack{})
		s.removeLocked(sess.serverID)
		sess.serverID = message.UnassignedServerID
		s.mu.Unlock()
		return err
	default:
		return s.reply(sess, seq, message.NewErrorReply(fmt.Errorf("%w: unexpected %s", errdefs.ErrInvalidState, req.MsgType())))
	}
}

func (s *Server) handleLogin(sess *session, seq uint32, l *message.Login) error {
	if s.Credentials != nil {
		if key, ok := s.Credentials[l.Name]; !ok || key != l.Key {
			s.reply(sess, seq, message.NewErrorReply(fmt.Errorf("%w: %s", errdefs.ErrInvalidCredential, l.Name)))
			return errors.New("bad credentials")
		}
	}
	if s.MinClientVersion != "" && versionLess(l.ClientVersion, s.MinClientVersion) {
		s.reply(sess, seq, message.NewErrorReply(fmt.Errorf("%w: client %s < %s",
			errdefs.ErrIncompatibleVersion, l.ClientVersion, s.MinClientVersion)))
		return errors.New("client too old")
	}

	s.mu.Lock()
	sess.login = l
	s.mu.Unlock()
	ack := &message.LoginAck{
		ServerVersion:    s.Version,
		MinClientVersion: s.MinClientVersion,
		GroupID:          l.GroupID,
	}
	probes := s.ProbeInterval > 0 && transport.LostCheck(l.LostCheck).ServerProbes()
	if probes {
		ack.HeartbeatMillis = uint32(s.ProbeInterval.Milliseconds())
	}
	if err := s.reply(sess, seq, ack); err != nil {
		return err
	}
	if probes {
		go s.probe(sess)
	}
	return nil
}

func versionLess(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return true
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.LessThan(*vb)
}

// handleSubscribe acknowledges, then sends one snapshot batch per filter, each marking
// its filter complete.
func (s *Server) handleSubscribe(sess *session, seq uint32, sub *message.Subscribe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.generation = sub.Generation
	sess.filters = sub.Filters
	if err := s.reply(sess, seq, &message.Ack{}); err != nil {
		return err
	}
	for i := range sub.Filters {
		var batch message.Metas
		for _, id := range s.sortedIDsLocked() {
			if m := s.entries[id]; sub.Filters[i].Match(m) {
				batch = append(batch, m.Clone())
			}
		}
		n := &message.Notify{Generation: sub.Generation, Metas: batch, Completed: []uint32{uint32(i)}}
		if err := s.push(sess, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleRegister(sess *session, seq uint32, r *message.Register) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sess.serverID
	if id == message.UnassignedServerID {
		id = s.allocID(sess.login.InstanceID)
		sess.serverID = id
	}
	s.clock++
	m := &message.Meta{
		ServerID:  id,
		Type:      sess.login.Type,
		Name:      sess.login.Name,
		GroupID:   sess.login.GroupID,
		Data:      append([]byte(nil), r.Data...),
		Timestamp: s.clock,
		Status:    message.MetaOK,
	}
	s.entries[id] = m
	if err := s.reply(sess, seq, &message.RegisterAck{Meta: m.Clone()}); err != nil {
		return err
	}
	s.broadcastLocked(*m)
	return nil
}

// allocID returns the id previously given to instance, or a new one.
func (s *Server) allocID(instance string) int64 {
	if id, ok := s.instances[instance]; ok && instance != "" {
		return id
	}
	s.nextID++
	if instance != "" {
		s.instances[instance] = s.nextID
	}
	return s.nextID
}

func (s *Server) removeLocked(id int64) bool {
	m, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	s.clock++
	dead := m.Clone()
	dead.Status = message.MetaDied
	dead.Timestamp = s.clock
	s.broadcastLocked(dead)
	return true
}

// broadcastLocked pushes m to every subscriber whose filters match it. Push failures
// are left to the connection's reader to notice.
func (s *Server) broadcastLocked(m message.Meta) {
	for sess := range s.sessions {
		if sess.login == nil || !sess.filters.Match(&m) {
			continue
		}
		s.push(sess, &message.Notify{Generation: sess.generation, Metas: message.Metas{m.Clone()}})
	}
}

func (s *Server) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) probe(sess *session) {
	ticker := time.NewTicker(s.ProbeInterval)
	defer ticker.Stop()
	var seq uint32
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			seq++
			if err := s.write(sess, protocol.MsgHeartbeat, seq, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) reply(sess *session, seq uint32, p message.Packet) error {
	return s.write(sess, p.MsgType(), seq, wire.Encode(p))
}

func (s *Server) push(sess *session, n *message.Notify) error {
	return s.write(sess, protocol.MsgNotify, 0, wire.Encode(n))
}

func (s *Server) write(sess *session, t protocol.MsgType, seq uint32, body []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return protocol.Encode(sess.conn, &protocol.Header{MsgType: t, Seq: seq}, body)
}
