package aprs

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the APRS-IS session lifecycle state.
type State int

// Session states, in connection order.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // login sent, not yet acknowledged
	StateVerified
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateVerified:
		return "verified"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by SendLine while the session has no socket.
// Callers must treat it as "retry at the next scheduled tick", never fatal.
var ErrNotConnected = errors.New("aprs: not connected")

// DefaultFilter is applied when the operator configured no filter; APRS-IS
// requires some filter on the filtered port to receive anything at all.
const DefaultFilter = "m/1"

const (
	defaultKeepalive = 30 * time.Second
	defaultReconnect = 30 * time.Second
	defaultDial      = 10 * time.Second
	kickerMin        = 5 * time.Second
	kickerMax        = 20 * time.Second
)

// Config holds APRS-IS session parameters.
type Config struct {
	Server            string
	Callsign          string
	Filter            string
	SoftwareName      string
	SoftwareVersion   string
	Passcode          int
	KeepaliveInterval time.Duration
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
}

// Session manages one APRS-IS connection: login, keepalive, verification
// tracking and reconnection with a fixed delay. APRS-IS servers are highly
// available, so a single fixed reconnect interval is used instead of backoff.
type Session struct {
	// OnState is invoked on every state transition. Must not block.
	OnState func(State)

	// OnVerified is invoked once per connection when the server acknowledges
	// the login. Must not block.
	OnVerified func()

	// OnLine receives non-comment lines from the server. Must not block.
	OnLine func(string)

	cfg Config

	mu           sync.Mutex
	conn         net.Conn
	state        State
	actualServer string
	kicker       *time.Timer
	keepalive    *time.Timer
	reconnect    *time.Timer
	stopped      bool
	gen          int
}

// NewSession creates a session; call Start to begin connecting.
func NewSession(cfg Config) *Session {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDial
	}

	return &Session{cfg: cfg, state: StateDisconnected}
}

// Start launches the first connection attempt.
func (s *Session) Start() {
	go s.connect()
}

// Stop tears the session down permanently: all timers are canceled
// synchronously and no reconnect will be scheduled.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.gen++
	s.cancelTimersLocked()
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActualServer returns the server-reported identity of the connected host,
// or the configured address when none was announced yet.
func (s *Session) ActualServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actualServer != "" {
		return s.actualServer
	}
	return s.cfg.Server
}

// SendLine transmits one line. It fails with ErrNotConnected when the
// session has no socket; a write error tears the connection down and
// schedules a reconnect.
func (s *Session) SendLine(line string) error {
	s.mu.Lock()
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		s.teardown(gen, err)
		return fmt.Errorf("aprs: send failed: %w", err)
	}

	return nil
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	gen := s.gen
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", s.cfg.Server, s.cfg.DialTimeout)
	if err != nil {
		log.Warn().Err(err).Str("server", s.cfg.Server).Msg("APRS-IS connect failed")
		s.mu.Lock()
		if !s.stopped && gen == s.gen {
			s.setStateLocked(StateDisconnected)
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.actualServer = ""
	s.setStateLocked(StateConnected)
	s.startTimersLocked(gen)
	s.mu.Unlock()

	log.Info().Str("server", s.cfg.Server).Str("callsign", s.cfg.Callsign).Msg("APRS-IS connected, sending login")

	login := fmt.Sprintf("user %s pass %d vers %s %s",
		s.cfg.Callsign, s.cfg.Passcode, s.cfg.SoftwareName, s.cfg.SoftwareVersion)
	if s.cfg.Filter == "" {
		login += " filter " + DefaultFilter
	}
	if err := s.SendLine(login); err != nil {
		return
	}

	if s.cfg.Filter != "" {
		if err := s.SendLine("#filter " + s.cfg.Filter); err != nil {
			return
		}
	}

	go s.readLoop(conn, gen)
}

func (s *Session) readLoop(conn net.Conn, gen int) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<16)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			s.handleComment(line)
			continue
		}

		if s.OnLine != nil {
			s.OnLine(line)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("connection closed by server")
	}
	s.teardown(gen, err)
}

// handleComment scans server comment lines for the login acknowledgement and
// for server-identity banners.
func (s *Session) handleComment(line string) {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "logresp") && strings.Contains(lower, "verified") &&
		!strings.Contains(lower, "unverified") {
		s.mu.Lock()
		already := s.state == StateVerified
		if !already {
			s.setStateLocked(StateVerified)
		}
		s.mu.Unlock()

		if !already {
			log.Info().Str("callsign", s.cfg.Callsign).Msg("APRS-IS login verified")
			if s.OnVerified != nil {
				s.OnVerified()
			}
		}
		return
	}

	if name := parseServerName(line); name != "" {
		s.mu.Lock()
		s.actualServer = name
		s.mu.Unlock()
	}
}

// parseServerName extracts the server identity from `# ... server NAME` or
// the aprsc banner `# aprsc 2.x.y ... GMT NAME ...`.
func parseServerName(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if (f == "server" || f == "GMT") && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// startTimersLocked arms the keepalive kicker and the repeating keepalive.
// The kicker fires at half the keepalive interval, clamped to 5..20s, so a
// quiet connection proves itself alive shortly after login.
func (s *Session) startTimersLocked(gen int) {
	kick := s.cfg.KeepaliveInterval / 2
	if kick < kickerMin {
		kick = kickerMin
	}
	if kick > kickerMax {
		kick = kickerMax
	}

	s.kicker = time.AfterFunc(kick, func() { s.sendKeepalive(gen) })
	s.keepalive = time.AfterFunc(s.cfg.KeepaliveInterval, func() { s.keepaliveTick(gen) })
}

func (s *Session) keepaliveTick(gen int) {
	s.sendKeepalive(gen)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.gen {
		return
	}
	s.keepalive = time.AfterFunc(s.cfg.KeepaliveInterval, func() { s.keepaliveTick(gen) })
}

func (s *Session) sendKeepalive(gen int) {
	s.mu.Lock()
	stale := s.stopped || gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}

	if err := s.SendLine("# " + s.cfg.SoftwareName + " keepalive"); err != nil {
		log.Debug().Err(err).Msg("APRS-IS keepalive send failed")
	}
}

// teardown closes the connection for the given generation and schedules one
// reconnect after the fixed delay. Stale generations are ignored so a timer
// firing late cannot touch a replacement connection.
func (s *Session) teardown(gen int, cause error) {
	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}

	s.gen++
	s.cancelTimersLocked()
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	log.Warn().Err(cause).Dur("retry_in", s.cfg.ReconnectDelay).Msg("APRS-IS disconnected")
}

func (s *Session) scheduleReconnectLocked() {
	s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, s.connect)
}

func (s *Session) cancelTimersLocked() {
	for _, t := range []*time.Timer{s.kicker, s.keepalive, s.reconnect} {
		if t != nil {
			t.Stop()
		}
	}
	s.kicker, s.keepalive, s.reconnect = nil, nil, nil
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st

	if s.OnState != nil {
		go s.OnState(st)
	}
}
