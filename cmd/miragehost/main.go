// Command miragehost is the sending end of the stream: it accepts TCP
// control connections, tracks each client's UDP registration and active
// streams, and fragments/paces encoded frames out over UDP via
// internal/sender. The screen capture and HEVC encoder are an external
// collaborator (C0 in the wire contract) this binary never assumes an
// implementation of; it only drives one through the narrow FrameSource
// contract below.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/miragekit/mirage/internal/control"
	"github.com/miragekit/mirage/internal/monitor"
	"github.com/miragekit/mirage/internal/qualityprobe"
	"github.com/miragekit/mirage/internal/sender"
	"github.com/miragekit/mirage/internal/transport"
)

func main() {
	controlAddr := flag.String("control", ":47990", "TCP control listen address")
	videoAddr := flag.String("video", ":47991", "UDP video/registration listen address")
	monitorAddr := flag.String("monitor", ":9091", "local status/metrics listen address")
	hostName := flag.String("name", "mirage-host", "host name sent in hello responses")
	flag.Parse()

	logger := log.New(os.Stderr, "miragehost: ", log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mon := monitor.New(monitor.Config{ListenAddr: *monitorAddr, Logger: log.New(os.Stderr, "miragehost-monitor: ", log.LstdFlags)})
	go func() {
		if err := mon.Run(); err != nil {
			logger.Printf("monitor server stopped: %v", err)
		}
	}()

	udpConn, err := net.ListenPacket("udp", *videoAddr)
	if err != nil {
		logger.Fatalf("listen udp: %v", err)
	}
	defer udpConn.Close()

	tcpListener, err := net.Listen("tcp", *controlAddr)
	if err != nil {
		logger.Fatalf("listen tcp: %v", err)
	}
	defer tcpListener.Close()

	h := &host{
		logger:      logger,
		hostName:    *hostName,
		hostID:      uuid.New(),
		registry:    transport.NewRegistry(),
		udpConn:     udpConn,
		monitor:     mon,
		sender:      sender.New(sender.DefaultConfig()),
		frameSource: newSyntheticFrameSource(),
		sessions:    make(map[uuid.UUID]*clientSession),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.udpReadLoop(ctx) }()
	go func() { defer wg.Done(); h.acceptLoop(ctx, tcpListener) }()

	<-ctx.Done()
	logger.Println("shutting down")
	tcpListener.Close()
	udpConn.Close()
	h.closeAllSessions()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := mon.Shutdown(shutdownCtx); err != nil {
		logger.Printf("monitor shutdown: %v", err)
	}
}

// FrameSource is the external capture+encode collaborator (C0): given a
// window and the negotiated stream parameters it produces a steady feed
// of encoded frames until stopped. The real implementation captures the
// named window, encodes it to HEVC and reports discontinuities across
// encoder resets; this binary only consumes the channel it returns.
type FrameSource interface {
	Start(ctx context.Context, windowID uint32, streamID uint16) (<-chan sender.EncodedFrame, error)
	RequestKeyframe(streamID uint16)
}

// host owns the registry, the UDP socket, and every active client
// session's streams.
type host struct {
	logger   *log.Logger
	hostName string
	hostID   uuid.UUID

	registry    *transport.Registry
	udpConn     net.PacketConn
	monitor     *monitor.Monitor
	sender      *sender.Sender
	frameSource FrameSource

	mu       sync.Mutex
	sessions map[uuid.UUID]*clientSession
}

// clientSession is one connected client's control connection and its
// active streams.
type clientSession struct {
	deviceID uuid.UUID
	conn     net.Conn

	mu      sync.Mutex
	streams map[uint16]context.CancelFunc
}

func (h *host) closeAllSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		s.conn.Close()
	}
}

func (h *host) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			h.logger.Printf("accept: %v", err)
			return
		}
		go h.handleConnection(ctx, conn)
	}
}

func (h *host) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	session := &clientSession{conn: conn, streams: make(map[uint16]context.CancelFunc)}

	dec := &control.Decoder{}
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			h.logger.Printf("control read: %v", err)
			break
		}
		dec.Feed(buf[:n])
		for {
			msg, ok := dec.Next()
			if !ok {
				break
			}
			h.handleControlMessage(ctx, session, msg)
		}
	}

	if session.deviceID != uuid.Nil {
		h.mu.Lock()
		delete(h.sessions, session.deviceID)
		h.mu.Unlock()
		h.registry.Forget(session.deviceID)
	}
	session.stopAllStreams()
}

func (s *clientSession) stopAllStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.streams {
		cancel()
		delete(s.streams, id)
	}
}

func (h *host) handleControlMessage(ctx context.Context, session *clientSession, msg control.Message) {
	switch msg.Type {
	case control.OpHello:
		var hello control.Hello
		if err := json.Unmarshal(msg.Payload, &hello); err != nil {
			return
		}
		deviceID, err := uuid.Parse(hello.DeviceID)
		if err != nil {
			h.sendControl(session.conn, control.OpError, control.ErrorMessage{Code: "badDeviceID", Message: err.Error()})
			return
		}
		session.deviceID = deviceID
		h.mu.Lock()
		h.sessions[deviceID] = session
		h.mu.Unlock()

		accepted := hello.ProtocolVersion >= control.ProtocolVersion
		resp := control.HelloResponse{Accepted: accepted, HostID: h.hostID.String(), HostName: h.hostName}
		if !accepted {
			h.sendControl(session.conn, control.OpError, control.ErrorMessage{Code: "protocolVersion", Message: control.ErrProtocolVersion})
		}
		h.sendControl(session.conn, control.OpHelloResp, resp)

	case control.OpStartStream:
		var start control.StartStream
		if err := json.Unmarshal(msg.Payload, &start); err != nil {
			return
		}
		h.startStream(ctx, session, start)

	case control.OpStopStream:
		var stop control.StopStream
		if err := json.Unmarshal(msg.Payload, &stop); err != nil {
			return
		}
		session.stopStream(stop.StreamID)
		h.sendControl(session.conn, control.OpStreamStopped, control.StreamStopped{StreamID: stop.StreamID, Reason: "requested"})

	case control.OpPing:
		var ping control.Ping
		if err := json.Unmarshal(msg.Payload, &ping); err != nil {
			return
		}
		h.sendControl(session.conn, control.OpPong, control.Pong{Nonce: ping.Nonce, SentAtNs: ping.SentAtNs})

	case control.OpKeyframeRequest:
		var req control.KeyframeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		h.logger.Printf("keyframe requested for stream %d", req.StreamID)
		h.frameSource.RequestKeyframe(req.StreamID)

	case control.OpStreamMetrics:
		var m control.StreamMetrics
		if err := json.Unmarshal(msg.Payload, &m); err == nil {
			h.monitor.PublishMetrics(m.StreamID, metricsFromControl(m))
		}

	default:
		h.logger.Printf("unhandled opcode %s from %s", msg.Type, session.deviceID)
	}
}

func (s *clientSession) stopStream(streamID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.streams[streamID]; ok {
		cancel()
		delete(s.streams, streamID)
	}
}

var streamIDCounter uint32

func nextStreamID() uint16 {
	return uint16(atomic.AddUint32(&streamIDCounter, 1))
}

// startStream negotiates a streamID, acks StreamStarted, and spawns the
// frame-sending loop fed by a stub frame source standing in for the
// external capture+encode collaborator.
func (h *host) startStream(ctx context.Context, session *clientSession, start control.StartStream) {
	streamID := nextStreamID()
	width, height := 1920, 1080
	if start.PixelWidth != nil {
		width = *start.PixelWidth
	}
	if start.PixelHeight != nil {
		height = *start.PixelHeight
	}
	frameRate := start.MaxRefreshRate
	if frameRate <= 0 {
		frameRate = control.DefaultMaxRefreshRate
	}

	streamCtx, cancel := context.WithCancel(ctx)
	session.mu.Lock()
	session.streams[streamID] = cancel
	session.mu.Unlock()

	token := dimensionToken(width, height)
	h.sendControl(session.conn, control.OpStreamStarted, control.StreamStarted{
		StreamID:       streamID,
		WindowID:       start.WindowID,
		Width:          width,
		Height:         height,
		FrameRate:      frameRate,
		Codec:          "hevc",
		DimensionToken: &token,
	})

	go h.streamLoop(streamCtx, session, streamID)
}

// dimensionToken folds a stream's pixel dimensions into the 16-bit token
// P-frames are gated against. The token depends on width and height alone
// and is not a per-resize counter: returning to an earlier size reuses that
// size's token.
func dimensionToken(width, height int) uint16 {
	return uint16((width*31 + height) & 0xFFFF)
}

// streamLoop pulls encoded frames from the FrameSource collaborator and
// fragments/sends each via internal/sender to the client's registered
// UDP address, until the source channel closes or the stream is stopped.
func (h *host) streamLoop(ctx context.Context, session *clientSession, streamID uint16) {
	frames, err := h.frameSource.Start(ctx, 0, streamID)
	if err != nil {
		h.logger.Printf("stream %d: start frame source: %v", streamID, err)
		return
	}

	writeFn := func(pkt []byte) error {
		addr, ok := h.registry.Lookup(session.deviceID)
		if !ok {
			return fmt.Errorf("miragehost: no registered UDP address for %s", session.deviceID)
		}
		_, err := h.udpConn.WriteTo(pkt, addr)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := h.sender.Send(frame, writeFn); err != nil {
				h.logger.Printf("stream %d send: %v", streamID, err)
			}
		}
	}
}

func (h *host) sendControl(conn net.Conn, opcode control.Opcode, v any) {
	frame, err := control.EncodeJSON(opcode, v)
	if err != nil {
		h.logger.Printf("encode %s: %v", opcode, err)
		return
	}
	if _, err := conn.Write(frame); err != nil {
		h.logger.Printf("write %s: %v", opcode, err)
	}
}

func metricsFromControl(m control.StreamMetrics) monitorMetrics {
	return monitorMetrics{DecodedFPS: m.DecodedFPS, ReceivedFPS: m.ReceivedFPS, DroppedFrames: m.DroppedFrames}
}

// udpReadLoop demultiplexes the shared UDP socket: 20-byte registration
// packets update the registry, and quality-probe packets (identified by
// their own magic/size) are echoed straight back so the client's probe
// search can measure RTT, throughput and loss from the round trip.
func (h *host) udpReadLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := h.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			h.logger.Printf("udp read: %v", err)
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		switch {
		case n == transport.RegistrationSize:
			h.registry.HandleRegistrationPacket(buf[:n], udpAddr)
		case n >= qualityprobe.HeaderSize:
			if _, _, err := qualityprobe.Deserialize(buf[:n]); err == nil {
				echo := append([]byte(nil), buf[:n]...)
				_, _ = h.udpConn.WriteTo(echo, udpAddr)
			}
		}
	}
}

// monitorMetrics satisfies internal/monitor's expectation of a
// streamctl.Metrics-shaped value without importing streamctl into the
// host binary, which has no decoder/controller of its own.
type monitorMetrics = struct {
	DecodedFPS    float64
	ReceivedFPS   float64
	DroppedFrames int64
}
