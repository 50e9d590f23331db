package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/miragekit/mirage/internal/control"
	"github.com/miragekit/mirage/internal/wire"
)

func listenTCPAndUDP(t *testing.T) (tcpAddr, udpAddr string, tcpLn net.Listener, udpConn *net.UDPConn) {
	t.Helper()
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	udpAddrObj, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve udp: %v", err)
	}
	udpConn, err = net.ListenUDP("udp", udpAddrObj)
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return tcpLn.Addr().String(), udpConn.LocalAddr().String(), tcpLn, udpConn
}

func TestTransportConnectSendsRegistrationPacket(t *testing.T) {
	tcpAddr, udpAddr, tcpLn, udpConn := listenTCPAndUDP(t)
	defer tcpLn.Close()
	defer udpConn.Close()

	var acceptWG sync.WaitGroup
	acceptWG.Add(1)
	go func() {
		defer acceptWG.Done()
		conn, err := tcpLn.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 4096)
			conn.Read(buf)
		}
	}()

	deviceID := uuid.New()
	var stateMu sync.Mutex
	var states []State
	tr := New(deviceID, DefaultConfig(), nil, nil, func(s State, err error) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	regCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, RegistrationSize)
		n, _, err := udpConn.ReadFromUDP(buf)
		if err == nil {
			regCh <- buf[:n]
		}
	}()

	if err := tr.Connect(context.Background(), tcpAddr, udpAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	select {
	case reg := <-regCh:
		if string(reg[0:4]) != RegistrationMagic {
			t.Fatalf("expected registration magic, got %q", reg[0:4])
		}
		gotID, err := uuid.FromBytes(reg[4:20])
		if err != nil || gotID != deviceID {
			t.Fatalf("expected deviceID %s in registration packet, got %s (err=%v)", deviceID, gotID, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for registration packet")
	}

	acceptWG.Wait()

	stateMu.Lock()
	defer stateMu.Unlock()
	if len(states) < 2 || states[0] != Connecting || states[len(states)-1] != Connected {
		t.Fatalf("expected Connecting then Connected, got %v", states)
	}
}

func TestTransportVideoReceiveLoopValidatesHeader(t *testing.T) {
	tcpAddr, udpAddr, tcpLn, udpConn := listenTCPAndUDP(t)
	defer tcpLn.Close()

	go func() {
		conn, err := tcpLn.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 4096)
			conn.Read(buf)
		}
	}()

	received := make(chan wire.FrameHeader, 1)
	tr := New(uuid.New(), DefaultConfig(), nil, func(payload []byte, h wire.FrameHeader) {
		received <- h
	}, nil)

	if err := tr.Connect(context.Background(), tcpAddr, udpAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	// Drain the registration packet server-side, then learn the client's
	// ephemeral UDP source address to reply to.
	buf := make([]byte, RegistrationSize)
	_, clientAddr, err := udpConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read registration: %v", err)
	}
	defer udpConn.Close()

	payload := []byte("hello-frame")
	h := wire.FrameHeader{
		StreamID:      1,
		FrameNumber:   1,
		FragmentCount: 1,
		PayloadLength: uint32(len(payload)),
		Checksum:      wire.ChecksumPayload(payload),
	}
	pkt := append(h.Serialize(), payload...)
	if _, err := udpConn.WriteToUDP(pkt, clientAddr); err != nil {
		t.Fatalf("write video packet: %v", err)
	}

	select {
	case got := <-received:
		if got.FrameNumber != 1 {
			t.Fatalf("expected frameNumber 1, got %d", got.FrameNumber)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for video packet to be delivered")
	}
}

func TestTransportSendControlRoundTrip(t *testing.T) {
	tcpAddr, udpAddr, tcpLn, udpConn := listenTCPAndUDP(t)
	defer tcpLn.Close()
	defer udpConn.Close()

	serverMsgs := make(chan control.Message, 1)
	go func() {
		conn, err := tcpLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := &control.Decoder{}
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			dec.Feed(buf[:n])
			if msg, ok := dec.Next(); ok {
				serverMsgs <- msg
				return
			}
		}
	}()

	tr := New(uuid.New(), DefaultConfig(), nil, nil, nil)
	if err := tr.Connect(context.Background(), tcpAddr, udpAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	ping := control.Ping{Nonce: 42}
	if err := tr.SendControl(control.OpPing, ping); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	select {
	case msg := <-serverMsgs:
		if msg.Type != control.OpPing {
			t.Fatalf("expected OpcodePing, got %v", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for control message")
	}
}
