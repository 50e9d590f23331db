// Package transport multiplexes the two peered connections a streaming
// session needs: a reliable TCP control channel and a best-effort UDP
// video channel, each with its own receive loop, wrapped in a single
// latched connection state machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miragekit/mirage/internal/control"
	"github.com/miragekit/mirage/internal/wire"
)

// RegistrationMagic and RegistrationSize describe the 20-byte UDP
// stream-registration packet a client sends as soon as its UDP socket is
// up: "MIRQ" (4) || deviceID (16).
const (
	RegistrationMagic = "MIRQ"
	RegistrationSize  = 20
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// ControlHandler receives each deframed control message in arrival order.
type ControlHandler func(control.Message)

// VideoHandler receives each validated (payload, header) UDP packet.
type VideoHandler func(payload []byte, header wire.FrameHeader)

// StateHandler is invoked exactly once per state transition.
type StateHandler func(State, error)

// Config tunes a Transport's socket behavior.
type Config struct {
	KeepAliveInterval time.Duration
	ReadBufferSize    int
	Logger            *log.Logger
}

// DefaultConfig returns the transport defaults used in the absence of
// caller overrides.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 5 * time.Second,
		ReadBufferSize:    64 * 1024,
	}
}

// Transport owns one session's TCP control connection and UDP video
// connection. All state reads/writes and the latch guarding OnState are
// serialized by mu.
type Transport struct {
	cfg Config
	log *log.Logger

	deviceID uuid.UUID

	onControl ControlHandler
	onVideo   VideoHandler
	onState   StateHandler

	mu        sync.Mutex
	state     State
	latched   bool
	tcpConn   net.Conn
	udpConn   net.Conn
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Transport for deviceID (the client's stable identity,
// sent in the UDP registration packet and the hello message).
func New(deviceID uuid.UUID, cfg Config, onControl ControlHandler, onVideo VideoHandler, onState StateHandler) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	return &Transport{
		cfg:       cfg,
		log:       logger,
		deviceID:  deviceID,
		onControl: onControl,
		onVideo:   onVideo,
		onState:   onState,
		state:     Disconnected,
	}
}

// State returns the current latched connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState reports a state transition exactly once: Failed and
// Disconnected are terminal, and once either has been reported the latch
// silently drops any further terminal transition (a spurious read error
// racing a caller-initiated Close, for instance).
func (t *Transport) setState(s State, err error) {
	t.mu.Lock()
	terminal := s == Failed || s == Disconnected
	if terminal && t.latched {
		t.mu.Unlock()
		return
	}
	t.state = s
	if terminal {
		t.latched = true
	}
	t.mu.Unlock()
	if t.onState != nil {
		t.onState(s, err)
	}
}

// Connect dials the TCP control channel, then the UDP video channel,
// sends the registration packet, and launches both receive loops.
func (t *Transport) Connect(ctx context.Context, controlAddr, videoAddr string) error {
	t.mu.Lock()
	if t.tcpConn != nil || t.udpConn != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.latched = false
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.setState(Connecting, nil)

	dialer := net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", controlAddr)
	if err != nil {
		t.setState(Failed, fmt.Errorf("transport: dial control: %w", err))
		return err
	}
	if tc, ok := tcpConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(t.cfg.KeepAliveInterval)
	}

	udpConn, err := dialer.DialContext(ctx, "udp", videoAddr)
	if err != nil {
		tcpConn.Close()
		t.setState(Failed, fmt.Errorf("transport: dial video: %w", err))
		return err
	}

	t.mu.Lock()
	t.tcpConn = tcpConn
	t.udpConn = udpConn
	t.mu.Unlock()

	if err := t.sendRegistration(); err != nil {
		t.Close()
		t.setState(Failed, err)
		return err
	}

	t.wg.Add(2)
	go t.controlReceiveLoop()
	go t.videoReceiveLoop()

	t.setState(Connected, nil)
	return nil
}

func (t *Transport) sendRegistration() error {
	buf := make([]byte, RegistrationSize)
	copy(buf[0:4], RegistrationMagic)
	idBytes, _ := t.deviceID.MarshalBinary()
	copy(buf[4:20], idBytes)
	_, err := t.udpConn.Write(buf)
	if err != nil {
		return fmt.Errorf("transport: send registration: %w", err)
	}
	return nil
}

// SendControl serializes and sends a control envelope. A write failure
// moves the transport to Failed and is also returned to the caller.
func (t *Transport) SendControl(opcode control.Opcode, v any) error {
	t.mu.Lock()
	conn := t.tcpConn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := control.EncodeJSON(opcode, v)
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		wrapped := fmt.Errorf("transport: send control: %w", err)
		t.setState(Failed, wrapped)
		return wrapped
	}
	return nil
}

// SendVideoPackets fires each already-serialized UDP packet in the order
// submitted, best-effort.
func (t *Transport) SendVideoPackets(packets [][]byte) error {
	t.mu.Lock()
	conn := t.udpConn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for _, pkt := range packets {
		if _, err := conn.Write(pkt); err != nil {
			return fmt.Errorf("transport: send video packet: %w", err)
		}
	}
	return nil
}

func (t *Transport) controlReceiveLoop() {
	defer t.wg.Done()
	dec := &control.Decoder{}
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		t.mu.Lock()
		conn := t.tcpConn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.setState(Failed, fmt.Errorf("transport: control read: %w", err))
			return
		}
		dec.Feed(buf[:n])
		for {
			msg, ok := dec.Next()
			if !ok {
				break
			}
			if t.onControl != nil {
				t.onControl(msg)
			}
		}
	}
}

func (t *Transport) videoReceiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		t.mu.Lock()
		conn := t.udpConn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.log.Printf("transport: video read error: %v", err)
			continue
		}
		if n < wire.HeaderSize {
			continue
		}
		header, ok := wire.Deserialize(buf[:n])
		if !ok {
			continue
		}
		payloadLen := int(header.PayloadLength)
		if wire.HeaderSize+payloadLen > n {
			continue
		}
		payload := buf[wire.HeaderSize : wire.HeaderSize+payloadLen]
		if t.onVideo != nil {
			t.onVideo(payload, header)
		}
	}
}

// Close tears down both connections. Safe to call more than once.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.stopCh != nil {
		select {
		case <-t.stopCh:
		default:
			close(t.stopCh)
		}
	}
	tcpConn, udpConn := t.tcpConn, t.udpConn
	t.tcpConn, t.udpConn = nil, nil
	t.mu.Unlock()

	if tcpConn != nil {
		tcpConn.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}
	t.wg.Wait()
	t.setState(Disconnected, nil)
}
