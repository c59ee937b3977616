// Package radio maintains the link to the mesh radio over TCP or a serial
// port. It owns connection lifecycle, stream framing, the want-config wakeup
// and the periodic host heartbeat that keeps the device streaming.
package radio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/hamlab/meshgate/internal/framing"
	"github.com/hamlab/meshgate/internal/meshproto"
)

// ErrNotConnected is returned by Send while the radio link is down.
var ErrNotConnected = errors.New("radio: not connected")

const (
	defaultBaudRate  = 115200
	defaultDial      = 10 * time.Second
	defaultReconnect = 30 * time.Second
	defaultHeartbeat = 5 * time.Minute
)

// Config holds radio link parameters. SerialPort takes precedence over
// Address when both are set.
type Config struct {
	Address           string
	SerialPort        string
	BaudRate          int
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
}

// Client manages the radio connection: dial, framed reads, want-config on
// connect, heartbeats and reconnection with a fixed delay.
type Client struct {
	// OnConnect is invoked with the connection establishment time after the
	// wakeup message was sent. Must not block.
	OnConnect func(time.Time)

	// OnDisconnect is invoked when an established connection is lost.
	// Must not block.
	OnDisconnect func(error)

	// OnFrame receives every framed payload from the radio, in arrival order
	// on a single goroutine. Must not block for long.
	OnFrame func([]byte)

	cfg     Config
	decoder *framing.Decoder

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	heartbeat *time.Timer
	reconnect *time.Timer
	stopped   bool
	gen       int
}

// NewClient creates a client; call Start to begin connecting.
func NewClient(cfg Config) *Client {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultDial
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}

	c := &Client{cfg: cfg}
	c.decoder = framing.NewDecoder(func(payload []byte) {
		if c.OnFrame != nil {
			c.OnFrame(payload)
		}
	})
	return c
}

// Target describes the configured endpoint, for logs.
func (c *Client) Target() string {
	if c.cfg.SerialPort != "" {
		return c.cfg.SerialPort
	}
	return c.cfg.Address
}

// Start launches the first connection attempt.
func (c *Client) Start() {
	go c.connect()
}

// Stop tears the link down permanently. A clean disconnect notice is sent to
// the radio on a best-effort basis and no reconnect will be scheduled.
func (c *Client) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if frame, err := framing.Encode(meshproto.EncodeDisconnect()); err == nil {
			_, _ = conn.Write(frame)
		}
	}

	c.mu.Lock()
	c.stopped = true
	c.gen++
	c.cancelTimersLocked()
	conn = c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Send frames and transmits one host-to-radio message. A write error tears
// the connection down and schedules a reconnect.
func (c *Client) Send(payload []byte) error {
	frame, err := framing.Encode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.Write(frame); err != nil {
		c.teardown(gen, err)
		return fmt.Errorf("radio: send failed: %w", err)
	}

	return nil
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		log.Warn().Err(err).Str("target", c.Target()).Msg("Radio connect failed")
		c.mu.Lock()
		if !c.stopped && gen == c.gen {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	now := time.Now()

	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.decoder.Reset()
	c.startHeartbeatLocked(gen)
	c.mu.Unlock()

	log.Info().Str("target", c.Target()).Msg("Radio connected, requesting config dump")

	// The wakeup both starts the initial state dump and switches the device
	// into streaming mode for subsequent packets.
	if err := c.Send(meshproto.EncodeWantConfig(uint32(now.UnixNano()))); err != nil {
		return
	}

	if c.OnConnect != nil {
		c.OnConnect(now)
	}

	go c.readLoop(conn, gen)
}

// dial opens the configured transport. Serial wins over TCP when both are
// configured, matching a typical bench setup where the TCP default is left
// in place.
func (c *Client) dial() (io.ReadWriteCloser, error) {
	if c.cfg.SerialPort != "" {
		port, err := serial.Open(c.cfg.SerialPort, &serial.Mode{BaudRate: c.cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("radio: open serial %s: %w", c.cfg.SerialPort, err)
		}
		return port, nil
	}

	conn, err := net.DialTimeout("tcp", c.cfg.Address, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("radio: dial %s: %w", c.cfg.Address, err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn io.Reader, gen int) {
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			stale := c.stopped || gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			c.decoder.Push(buf[:n])
		}
		if err != nil {
			c.teardown(gen, err)
			return
		}
	}
}

func (c *Client) startHeartbeatLocked(gen int) {
	c.heartbeat = time.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeatTick(gen) })
}

func (c *Client) heartbeatTick(gen int) {
	c.mu.Lock()
	stale := c.stopped || gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	if err := c.Send(meshproto.EncodeHeartbeat()); err != nil {
		log.Debug().Err(err).Msg("Radio heartbeat send failed")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || gen != c.gen {
		return
	}
	c.heartbeat = time.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeatTick(gen) })
}

// teardown closes the connection for the given generation and schedules one
// reconnect after the fixed delay. Stale generations are ignored so a late
// timer cannot touch a replacement connection.
func (c *Client) teardown(gen int, cause error) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}

	c.gen++
	c.cancelTimersLocked()
	conn := c.conn
	c.conn = nil
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	log.Warn().Err(cause).Dur("retry_in", c.cfg.ReconnectDelay).Msg("Radio disconnected")

	if c.OnDisconnect != nil {
		c.OnDisconnect(cause)
	}
}

func (c *Client) scheduleReconnectLocked() {
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, c.connect)
}

func (c *Client) cancelTimersLocked() {
	for _, t := range []*time.Timer{c.heartbeat, c.reconnect} {
		if t != nil {
			t.Stop()
		}
	}
	c.heartbeat, c.reconnect = nil, nil
}
