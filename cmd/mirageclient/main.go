// Command mirageclient is the receiving end of the stream: it dials a
// host's TCP control channel and UDP video channel, reassembles and
// decodes each active stream, and exposes its decode/receive metrics on
// a local status surface. The hardware decoder, GPU renderer and input
// synthesis are external collaborators (C0 in the wire contract); this
// binary drives them through the narrow interfaces internal/streamctl
// defines and never assumes anything about their implementation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/miragekit/mirage/internal/bufpool"
	"github.com/miragekit/mirage/internal/control"
	"github.com/miragekit/mirage/internal/monitor"
	"github.com/miragekit/mirage/internal/reassembler"
	"github.com/miragekit/mirage/internal/streamctl"
	"github.com/miragekit/mirage/internal/transport"
	"github.com/miragekit/mirage/internal/wire"
)

func main() {
	controlAddr := flag.String("control", "127.0.0.1:47990", "host TCP control address")
	videoAddr := flag.String("video", "127.0.0.1:47991", "host UDP video address")
	monitorAddr := flag.String("monitor", ":9090", "local status/metrics listen address")
	deviceName := flag.String("name", "mirage-client", "device name sent in hello")
	windowID := flag.Uint("window", 0, "windowID to request with startStream")
	flag.Parse()

	logger := log.New(os.Stderr, "mirageclient: ", log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mon := monitor.New(monitor.Config{ListenAddr: *monitorAddr, Logger: log.New(os.Stderr, "mirageclient-monitor: ", log.LstdFlags)})
	go func() {
		if err := mon.Run(); err != nil {
			logger.Printf("monitor server stopped: %v", err)
		}
	}()

	deviceID := uuid.New()
	pool := bufpool.New(bufpool.DefaultPerCapacityBound)

	c := &client{
		logger:   logger,
		pool:     pool,
		monitor:  mon,
		streams:  make(map[uint16]*streamctl.Controller),
		deviceID: deviceID,
	}

	tr := transport.New(deviceID, transport.DefaultConfig(), c.handleControl, c.handleVideo, c.handleState)
	c.transport = tr

	if err := tr.Connect(ctx, *controlAddr, *videoAddr); err != nil {
		logger.Fatalf("connect: %v", err)
	}

	hello := control.Hello{
		DeviceID:        deviceID.String(),
		DeviceName:      *deviceName,
		DeviceType:      "desktop",
		ProtocolVersion: control.ProtocolVersion,
	}
	if err := tr.SendControl(control.OpHello, hello); err != nil {
		logger.Fatalf("send hello: %v", err)
	}

	if *windowID != 0 {
		start := control.StartStream{
			WindowID:       uint32(*windowID),
			MaxRefreshRate: control.DefaultMaxRefreshRate,
		}
		if err := tr.SendControl(control.OpStartStream, start); err != nil {
			logger.Printf("send startStream: %v", err)
		}
	}

	<-ctx.Done()
	logger.Println("shutting down")

	c.mu.Lock()
	for _, sc := range c.streams {
		sc.Stop()
	}
	c.mu.Unlock()

	tr.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := mon.Shutdown(shutdownCtx); err != nil {
		logger.Printf("monitor shutdown: %v", err)
	}
}

// client owns every active stream's controller, keyed by streamID, and
// wires control-channel events to them.
type client struct {
	logger    *log.Logger
	pool      *bufpool.Pool
	monitor   *monitor.Monitor
	transport *transport.Transport
	deviceID  uuid.UUID

	mu      sync.Mutex
	streams map[uint16]*streamctl.Controller
}

func (c *client) handleState(s transport.State, err error) {
	if err != nil {
		c.logger.Printf("transport state=%s err=%v", s, err)
		return
	}
	c.logger.Printf("transport state=%s", s)
}

func (c *client) handleControl(msg control.Message) {
	switch msg.Type {
	case control.OpHelloResp:
		var resp control.HelloResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			c.logger.Printf("decode helloResponse: %v", err)
			return
		}
		c.logger.Printf("hello accepted=%v host=%s", resp.Accepted, resp.HostName)

	case control.OpStreamStarted:
		var started control.StreamStarted
		if err := json.Unmarshal(msg.Payload, &started); err != nil {
			c.logger.Printf("decode streamStarted: %v", err)
			return
		}
		c.startStream(started)

	case control.OpStreamStopped:
		var stopped control.StreamStopped
		if err := json.Unmarshal(msg.Payload, &stopped); err != nil {
			c.logger.Printf("decode streamStopped: %v", err)
			return
		}
		c.stopStream(stopped.StreamID)

	case control.OpPing:
		var ping control.Ping
		if err := json.Unmarshal(msg.Payload, &ping); err != nil {
			return
		}
		_ = c.transport.SendControl(control.OpPong, control.Pong{Nonce: ping.Nonce, SentAtNs: ping.SentAtNs})

	case control.OpError:
		var errMsg control.ErrorMessage
		if err := json.Unmarshal(msg.Payload, &errMsg); err == nil {
			c.logger.Printf("host error: %s: %s", errMsg.Code, errMsg.Message)
		}

	default:
		c.logger.Printf("unhandled opcode %s", msg.Type)
	}
}

func (c *client) handleVideo(payload []byte, header wire.FrameHeader) {
	c.mu.Lock()
	sc, ok := c.streams[header.StreamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	cp := append([]byte(nil), payload...)
	sc.HandlePacket(cp, header)
}

func (c *client) startStream(started control.StreamStarted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.streams[started.StreamID]; exists {
		return
	}

	reassemblerCfg := reassembler.Config{
		MaxPayloadSize: wire.MiragePayloadSize(1200),
	}

	streamID := started.StreamID
	sc := streamctl.New(streamID, &loggingDecoder{logger: c.logger, streamID: streamID}, streamctl.Callbacks{
		OnResize: func(ev streamctl.ResizeEvent) {
			c.logger.Printf("stream %d resize -> %+v", streamID, ev)
		},
		OnInputBlockingChanged: func(blocked bool) {
			c.logger.Printf("stream %d input blocked=%v", streamID, blocked)
		},
		OnKeyframeNeeded: func() {
			_ = c.transport.SendControl(control.OpKeyframeRequest, control.KeyframeRequest{StreamID: streamID})
		},
		OnMetrics: func(m streamctl.Metrics) {
			c.monitor.PublishMetrics(streamID, m)
			_ = c.transport.SendControl(control.OpStreamMetrics, control.StreamMetrics{
				StreamID:      streamID,
				DecodedFPS:    m.DecodedFPS,
				ReceivedFPS:   m.ReceivedFPS,
				DroppedFrames: m.DroppedFrames,
			})
		},
	}, reassemblerCfg, c.pool, 6)

	if err := sc.Start(context.Background()); err != nil {
		c.logger.Printf("start stream %d: %v", streamID, err)
		return
	}
	if started.DimensionToken != nil {
		sc.UpdateExpectedDimensionToken(*started.DimensionToken)
	}
	c.streams[streamID] = sc
	c.logger.Printf("stream %d started: %dx%d @ %dfps codec=%s", streamID, started.Width, started.Height, started.FrameRate, started.Codec)
}

func (c *client) stopStream(streamID uint16) {
	c.mu.Lock()
	sc, ok := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()
	if !ok {
		return
	}
	sc.Stop()
	c.logger.Printf("stream %d stopped", streamID)
}

// loggingDecoder is a placeholder Decoder (C0): the real hardware decoder
// is an external collaborator outside this subsystem's scope. It reports
// every submitted frame as decoded immediately so the controller's
// freeze/metrics/resize machinery can be exercised end to end without a
// real codec attached.
type loggingDecoder struct {
	logger   *log.Logger
	streamID uint16
	onFrame  streamctl.FrameCallback
}

func (d *loggingDecoder) StartDecoding(onFrame streamctl.FrameCallback) error {
	d.onFrame = onFrame
	return nil
}

func (d *loggingDecoder) DecodeFrame(data []byte, presentationTimeNs uint64, isKeyframe bool, contentRect wire.ContentRect) error {
	if d.onFrame != nil {
		d.onFrame(presentationTimeNs, contentRect)
	}
	return nil
}

func (d *loggingDecoder) ResetForNewSession() error {
	d.logger.Printf("stream %d decoder session reset", d.streamID)
	return nil
}

func (d *loggingDecoder) SetErrorThresholdHandler(fn func())          {}
func (d *loggingDecoder) SetDimensionChangeHandler(fn func(int, int)) {}
