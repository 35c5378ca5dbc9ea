package chat

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arqchat/gbnchat/gbn"
	"github.com/arqchat/gbnchat/server"
)

type client struct {
	id       gbn.ConnID
	remote   net.Addr
	name     string
	isOp     bool
	joinedAt time.Time
	rooms    map[string]bool
}

type room struct {
	name    string
	members map[gbn.ConnID]bool
	history []Message
}

// Server is a multi-room chat service consuming exactly the transport
// surface gbn and server expose: it opens no sockets of its own beyond
// the one handed to NewServer, and only calls Send and the delivery
// callback.
type Server struct {
	cfg   ServerConfig
	demux *server.Demux

	mu      sync.Mutex
	clients map[gbn.ConnID]*client
	rooms   map[string]*room
}

// NewServer constructs a chat Server listening on conn. The server
// begins accepting connections immediately.
func NewServer(cfg ServerConfig, conn net.PacketConn, logger *slog.Logger) *Server {
	cfg.applyDefaults()

	var loss gbn.LossInjector
	switch cfg.LossProfile {
	case "random":
		loss = gbn.NewRandomInjector(cfg.LossSeed)
	case "bursty":
		loss = gbn.NewBurstyInjector(cfg.LossSeed)
	default:
		loss = gbn.NewCleanInjector()
	}

	s := &Server{
		cfg:     cfg,
		clients: make(map[gbn.ConnID]*client),
		rooms:   make(map[string]*room),
	}
	for _, name := range cfg.Rooms {
		s.rooms[name] = &room{name: name, members: make(map[gbn.ConnID]bool)}
	}

	s.demux = server.New(server.Config{
		Conn:         conn,
		WindowSize:   cfg.WindowSize,
		RecvWindow:   cfg.RecvWindow,
		IdleTimeout:  cfg.IdleTimeout,
		LossInjector: loss,
		Logger:       logger,
		NewDeliver: func(id gbn.ConnID, remote net.Addr) gbn.DeliverFunc {
			return func(payload []byte) { s.handleLine(id, string(payload)) }
		},
		OnEstablished: s.onEstablished,
		OnClosed:      s.onClosed,
	})

	return s
}

// Close shuts down the underlying demultiplexer and every connection it
// holds.
func (s *Server) Close() error {
	return s.demux.Close()
}

func (s *Server) onEstablished(ep *gbn.Endpoint) {
	id := ep.ConnID()
	s.mu.Lock()
	s.clients[id] = &client{
		id:       id,
		remote:   ep.RemoteAddr(),
		name:     ep.RemoteAddr().String(),
		joinedAt: time.Now(),
		rooms:    make(map[string]bool),
	}
	s.mu.Unlock()
	s.reply(id, "welcome, use NAME to set a display name")
}

func (s *Server) onClosed(id gbn.ConnID) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, id)
	roomNames := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		roomNames = append(roomNames, name)
	}
	for _, name := range roomNames {
		if r, ok := s.rooms[name]; ok {
			delete(r.members, id)
		}
	}
	name := c.name
	s.mu.Unlock()

	for _, rn := range roomNames {
		s.broadcastToRoom(rn, fmt.Sprintf("[presence] %s left %s", name, rn), id)
	}
}

func (s *Server) reply(id gbn.ConnID, text string) {
	s.demux.Send(id, []byte(text))
}

func (s *Server) broadcastToRoom(roomName, text string, exclude gbn.ConnID) {
	s.mu.Lock()
	r, ok := s.rooms[roomName]
	var targets []gbn.ConnID
	if ok {
		for id := range r.members {
			if id != exclude {
				targets = append(targets, id)
			}
		}
	}
	s.mu.Unlock()
	for _, id := range targets {
		s.reply(id, text)
	}
}

func (s *Server) getOrCreateRoom(name string) *room {
	r, ok := s.rooms[name]
	if !ok {
		r = &room{name: name, members: make(map[gbn.ConnID]bool)}
		s.rooms[name] = r
	}
	return r
}

// handleLine parses one line of chat protocol text delivered by a
// connection and dispatches it to the matching command handler.
func (s *Server) handleLine(id gbn.ConnID, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "NAME":
		s.cmdName(id, args)
	case "JOIN":
		s.cmdJoin(id, args)
	case "LEAVE":
		s.cmdLeave(id, args)
	case "MSG":
		s.cmdMsg(id, line)
	case "DM":
		s.cmdDM(id, line)
	case "HISTORY":
		s.cmdHistory(id, args)
	case "ROSTER":
		s.cmdRoster(id, args)
	default:
		s.reply(id, fmt.Sprintf("error: unknown command %q", fields[0]))
	}
}

func (s *Server) cmdName(id gbn.ConnID, args []string) {
	if len(args) == 0 {
		s.reply(id, "error: NAME requires a name")
		return
	}
	isOp := false
	if args[0] == "--op" {
		isOp = true
		args = args[1:]
	}
	if len(args) == 0 {
		s.reply(id, "error: NAME requires a name")
		return
	}
	name := args[0]

	s.mu.Lock()
	c, ok := s.clients[id]
	if ok {
		c.name = name
		c.isOp = isOp
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.reply(id, fmt.Sprintf("ok: name set to %s", name))
}

func (s *Server) cmdJoin(id gbn.ConnID, args []string) {
	if len(args) == 0 {
		s.reply(id, "error: JOIN requires a room")
		return
	}
	roomName := args[0]

	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	r := s.getOrCreateRoom(roomName)
	r.members[id] = true
	c.rooms[roomName] = true
	name := c.name
	s.mu.Unlock()

	s.reply(id, fmt.Sprintf("ok: joined %s", roomName))
	s.broadcastToRoom(roomName, fmt.Sprintf("[presence] %s joined %s", name, roomName), id)
}

func (s *Server) cmdLeave(id gbn.ConnID, args []string) {
	if len(args) == 0 {
		s.reply(id, "error: LEAVE requires a room")
		return
	}
	roomName := args[0]

	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if r, ok := s.rooms[roomName]; ok {
		delete(r.members, id)
	}
	delete(c.rooms, roomName)
	name := c.name
	s.mu.Unlock()

	s.reply(id, fmt.Sprintf("ok: left %s", roomName))
	s.broadcastToRoom(roomName, fmt.Sprintf("[presence] %s left %s", name, roomName), id)
}

// cmdMsg handles "MSG <room> <text...>", broadcasting text to every
// other member of room and appending it to the room's bounded history.
func (s *Server) cmdMsg(id gbn.ConnID, line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		s.reply(id, "error: MSG requires a room and text")
		return
	}
	roomName, text := parts[1], parts[2]

	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !c.rooms[roomName] {
		s.mu.Unlock()
		s.reply(id, fmt.Sprintf("error: not a member of %s", roomName))
		return
	}
	name := c.name
	r := s.getOrCreateRoom(roomName)
	msg := Message{ID: uuid.New(), Room: roomName, From: name, Text: text, At: time.Now()}
	r.history = append(r.history, msg)
	if len(r.history) > s.cfg.HistorySize {
		r.history = r.history[len(r.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()

	s.broadcastToRoom(roomName, fmt.Sprintf("[%s] %s: %s", roomName, name, text), id)
}

// cmdDM handles "DM <name> <text...>", a direct peer-to-peer message
// that bypasses rooms entirely.
func (s *Server) cmdDM(id gbn.ConnID, line string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		s.reply(id, "error: DM requires a name and text")
		return
	}
	targetName, text := parts[1], parts[2]

	s.mu.Lock()
	sender, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	var target *client
	for _, c := range s.clients {
		if c.name == targetName {
			target = c
			break
		}
	}
	fromName := sender.name
	s.mu.Unlock()

	if target == nil {
		s.reply(id, fmt.Sprintf("error: no such user %q", targetName))
		return
	}
	s.reply(target.id, fmt.Sprintf("[dm from %s] %s", fromName, text))
}

func (s *Server) cmdHistory(id gbn.ConnID, args []string) {
	if len(args) == 0 {
		s.reply(id, "error: HISTORY requires a room")
		return
	}
	roomName := args[0]

	s.mu.Lock()
	r, ok := s.rooms[roomName]
	var msgs []Message
	if ok {
		msgs = append(msgs, r.history...)
	}
	s.mu.Unlock()

	if !ok || len(msgs) == 0 {
		s.reply(id, fmt.Sprintf("history %s: (empty)", roomName))
		return
	}
	for _, m := range msgs {
		s.reply(id, fmt.Sprintf("[%s] %s: %s", m.Room, m.From, m.Text))
	}
}

// cmdRoster replies with the member list of a room, operators first and
// otherwise ordered by join time. This is the only ordering rule this
// server implements; it is not a scheduler.
func (s *Server) cmdRoster(id gbn.ConnID, args []string) {
	if len(args) == 0 {
		s.reply(id, "error: ROSTER requires a room")
		return
	}
	roomName := args[0]

	s.mu.Lock()
	r, ok := s.rooms[roomName]
	var members []*client
	if ok {
		for memberID := range r.members {
			if c, ok := s.clients[memberID]; ok {
				members = append(members, c)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		s.reply(id, fmt.Sprintf("error: no such room %q", roomName))
		return
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].isOp != members[j].isOp {
			return members[i].isOp
		}
		return members[i].joinedAt.Before(members[j].joinedAt)
	})

	names := make([]string, len(members))
	for i, c := range members {
		if c.isOp {
			names[i] = c.name + "*"
		} else {
			names[i] = c.name
		}
	}
	s.reply(id, fmt.Sprintf("roster %s: %s", roomName, strings.Join(names, ", ")))
}
