package control

import "fmt"

// Opcode identifies the payload schema carried by a control envelope.
// Values are part of the wire contract and must never be renumbered.
type Opcode uint8

const (
	OpHello      Opcode = 0x01
	OpHelloResp  Opcode = 0x02
	OpDisconnect Opcode = 0x03
	OpPing       Opcode = 0x04
	OpPong       Opcode = 0x05

	OpWindowListRequest Opcode = 0x20
	OpWindowList        Opcode = 0x21
	OpWindowUpdate      Opcode = 0x22
	OpStartStream       Opcode = 0x23
	OpStopStream        Opcode = 0x24
	OpStreamStarted     Opcode = 0x25
	OpStreamStopped     Opcode = 0x26
	OpStreamMetrics     Opcode = 0x27

	OpInputEvent Opcode = 0x30

	OpKeyframeRequest Opcode = 0x42

	OpCursorUpdate   Opcode = 0x50
	OpCursorPosition Opcode = 0x51

	OpContentBoundsUpdate     Opcode = 0x60
	OpDisplayResolutionChange Opcode = 0x61
	OpStreamScaleChange       Opcode = 0x62
	OpStreamRefreshRateChange Opcode = 0x63

	OpSessionStateUpdate Opcode = 0x70
	OpUnlockRequest      Opcode = 0x71
	OpUnlockResponse     Opcode = 0x72
	OpLoginDisplayReady  Opcode = 0x73
	OpLoginDisplayStopped Opcode = 0x74

	OpAppListStart Opcode = 0x80
	OpAppListEnd   Opcode = 0x8E

	OpMenuBarUpdate     Opcode = 0x90
	OpMenuActionRequest Opcode = 0x91
	OpMenuActionResult  Opcode = 0x92

	OpStartDesktopStream    Opcode = 0xA0
	OpStopDesktopStream     Opcode = 0xA1
	OpDesktopStreamStarted  Opcode = 0xA2
	OpDesktopStreamStopped  Opcode = 0xA3
	OpQualityTestRequest    Opcode = 0xA4
	OpQualityTestResult     Opcode = 0xA5
	OpQualityProbeRequest   Opcode = 0xA6
	OpQualityProbeResult    Opcode = 0xA7

	OpError Opcode = 0xFF
)

// String names the opcode for logging; unknown opcodes render as a hex
// literal rather than panicking.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(o))
}

var opcodeNames = map[Opcode]string{
	OpHello: "hello", OpHelloResp: "helloResponse", OpDisconnect: "disconnect",
	OpPing: "ping", OpPong: "pong",
	OpWindowListRequest: "windowListRequest", OpWindowList: "windowList",
	OpWindowUpdate: "windowUpdate", OpStartStream: "startStream",
	OpStopStream: "stopStream", OpStreamStarted: "streamStarted",
	OpStreamStopped: "streamStopped", OpStreamMetrics: "streamMetrics",
	OpInputEvent: "inputEvent", OpKeyframeRequest: "keyframeRequest",
	OpCursorUpdate: "cursorUpdate", OpCursorPosition: "cursorPosition",
	OpContentBoundsUpdate: "contentBoundsUpdate", OpDisplayResolutionChange: "displayResolutionChange",
	OpStreamScaleChange: "streamScaleChange", OpStreamRefreshRateChange: "streamRefreshRateChange",
	OpSessionStateUpdate: "sessionStateUpdate", OpUnlockRequest: "unlockRequest",
	OpUnlockResponse: "unlockResponse", OpLoginDisplayReady: "loginDisplayReady",
	OpLoginDisplayStopped: "loginDisplayStopped",
	OpMenuBarUpdate: "menuBarUpdate", OpMenuActionRequest: "menuActionRequest",
	OpMenuActionResult: "menuActionResult",
	OpStartDesktopStream: "startDesktopStream", OpStopDesktopStream: "stopDesktopStream",
	OpDesktopStreamStarted: "desktopStreamStarted", OpDesktopStreamStopped: "desktopStreamStopped",
	OpQualityTestRequest: "qualityTestRequest", OpQualityTestResult: "qualityTestResult",
	OpQualityProbeRequest: "qualityProbeRequest", OpQualityProbeResult: "qualityProbeResult",
	OpError: "error",
}
