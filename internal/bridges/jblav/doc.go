// Package jblav implements the JBL MA-series AV receiver bridge for Gray Logic.
//
// The receiver exposes an IP control port (TCP 50000 by default) speaking a
// compact binary protocol. Commands and replies share a single-byte opcode and
// carry no request identifier, so the receiver reports its state through
// unsolicited frames tagged by opcode rather than positional replies.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   TCP    ┌──────────────┐
//	│   Gray Logic    │   MQTT   │  JBL AV Bridge  │◄────────►│ MA510/MA710/ │
//	│      Core       │◄────────►│   (this pkg)    │  :50000  │ MA7100HP/... │
//	└─────────────────┘          └─────────────────┘          └──────────────┘
//
// Inside the package the protocol engine is layered leaves first:
//
//   - EncodeCommand builds outbound frames from validated intents
//   - FrameBuffer extracts complete inbound frames from a byte stream
//   - DecodeResponse splits a frame into opcode, result code and payload
//   - Store reconciles decoded frames into a de-duplicated State snapshot
//   - Session owns one TCP connection: connect, handshake, read loop, close
//   - Receiver is the long-lived facade that survives reconnects
//
// Supervisor, Bridge and HealthReporter sit on top of the engine and connect it
// to the rest of Gray Logic. The engine never depends on them.
//
// # Wire Format
//
//	Outbound: 0x23 <opcode> <len> <payload...> 0x0D
//	Inbound:  0x02 0x23 <opcode> <result> <len> <payload...> 0x0D
//
// A result code of 0x00 is a status update. Any other value is a device-side
// error and carries no usable payload.
//
// # Thread Safety
//
// Receiver, Store, Notifier and Session are safe for concurrent use. Inbound
// frames are processed sequentially by a single read loop per session.
package jblav
