package control

import "testing"

func TestEncodeDeframeRoundTrip(t *testing.T) {
	env := Encode(OpPing, []byte(`{"nonce":1}`))
	msg, consumed, ok := Deframe(env)
	if !ok {
		t.Fatalf("Deframe failed on a complete envelope")
	}
	if consumed != len(env) {
		t.Fatalf("consumed = %d, want %d", consumed, len(env))
	}
	if msg.Type != OpPing {
		t.Fatalf("type = %v, want OpPing", msg.Type)
	}
	if string(msg.Payload) != `{"nonce":1}` {
		t.Fatalf("payload = %q", msg.Payload)
	}
}

func TestDeframeNeedsMoreData(t *testing.T) {
	env := Encode(OpHello, []byte(`{"deviceID":"x"}`))
	if _, _, ok := Deframe(env[:EnvelopeHeaderSize+2]); ok {
		t.Fatalf("Deframe should report incomplete on a truncated envelope")
	}
	if _, _, ok := Deframe(env[:3]); ok {
		t.Fatalf("Deframe should report incomplete on a truncated header")
	}
}

func TestDeframeUnknownOpcodeDoesNotDesync(t *testing.T) {
	unknown := Encode(Opcode(0xEE), []byte("abc"))
	known := Encode(OpPong, []byte("def"))
	buf := append(append([]byte{}, unknown...), known...)

	msg1, c1, ok := Deframe(buf)
	if !ok || msg1.Type != Opcode(0xEE) {
		t.Fatalf("expected unknown opcode to still deframe, got %+v ok=%v", msg1, ok)
	}
	msg2, _, ok := Deframe(buf[c1:])
	if !ok || msg2.Type != OpPong {
		t.Fatalf("stream desynced after unknown opcode: %+v ok=%v", msg2, ok)
	}
}

func TestDecoderAccumulatesAcrossFeeds(t *testing.T) {
	env := Encode(OpKeyframeRequest, []byte(`{"streamID":7}`))
	var d Decoder
	d.Feed(env[:3])
	if _, ok := d.Next(); ok {
		t.Fatalf("Next should report false before a full envelope has arrived")
	}
	d.Feed(env[3:])
	msg, ok := d.Next()
	if !ok {
		t.Fatalf("Next should succeed once the full envelope has arrived")
	}
	if msg.Type != OpKeyframeRequest {
		t.Fatalf("type = %v", msg.Type)
	}
	if _, ok := d.Next(); ok {
		t.Fatalf("Next should report false once drained")
	}
}

func TestEncodeJSONRoundTrip(t *testing.T) {
	h := Hello{DeviceID: "abc", DeviceName: "test", ProtocolVersion: ProtocolVersion}
	env, err := EncodeJSON(OpHello, h)
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	msg, _, ok := Deframe(env)
	if !ok || msg.Type != OpHello {
		t.Fatalf("deframe failed: %+v %v", msg, ok)
	}
}
