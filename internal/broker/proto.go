package broker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/raptorbox/raptor-broker/internal/model"
)

var errCleanExit = errors.New("cleanExit")

func protocolViolation(msg string) error {
	return errors.New("client protocol violation: " + msg)
}

var pingRespPacket = []byte{model.PINGRESP, 0}

type packet struct {
	controlType, flags uint8
	body               []byte
}

// readPacket reads one control packet whose remaining length is at most limit.
// The fixed header flags are checked for every type. [MQTT-2.2.2-1, 2-2]
func readPacket(r *bufio.Reader, limit uint32) (packet, error) {
	var p packet
	b, err := r.ReadByte()
	if err != nil {
		return p, err
	}
	p.controlType, p.flags = b&0xF0, b&0x0F

	if p.controlType < model.CONNECT || p.controlType > model.DISCONNECT {
		return p, protocolViolation("invalid control packet")
	}

	switch p.controlType {
	case model.PUBLISH:
		if (p.flags&0x08 > 0) && (p.flags&0x06 == 0) { // [MQTT-3.3.1-2]
			return p, protocolViolation("malformed PUBLISH - DUP set for QoS0 Pub")
		}
		if p.flags&0x06 == 6 { // [MQTT-3.3.1-4]
			return p, protocolViolation("malformed PUBLISH - No QoS3")
		}
	case model.PUBREL, model.SUBSCRIBE, model.UNSUBSCRIBE: // [MQTT-3.6.1-1, 3.8.1-1, 3.10.1-1]
		if p.flags != 0x02 {
			return p, protocolViolation("malformed packet - Fixed header flags must be 2")
		}
	default:
		if p.flags != 0 {
			return p, protocolViolation("malformed packet - Fixed header flags must be 0 (reserved)")
		}
	}

	var rl, mul uint32 = 0, 1
	for {
		b, err := r.ReadByte()
		if err != nil {
			return p, err
		}
		rl += uint32(b&127) * mul
		if b&128 == 0 {
			break
		}
		mul *= 128
		if mul > 128*128*128 {
			return p, protocolViolation("malformed remaining length")
		}
	}

	if rl > limit {
		return p, protocolViolation("packet too large")
	}
	if rl > 0 {
		p.body = make([]byte, rl)
		if _, err := io.ReadFull(r, p.body); err != nil {
			return p, err
		}
	}
	return p, nil
}

// decoder reads MQTT fields from a packet body.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) uint16() uint16 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 2 {
		d.err = protocolViolation("packet too short")
		return 0
	}
	v := binary.BigEndian.Uint16(d.b)
	d.b = d.b[2:]
	return v
}

func (d *decoder) byte() uint8 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 1 {
		d.err = protocolViolation("packet too short")
		return 0
	}
	v := d.b[0]
	d.b = d.b[1:]
	return v
}

// bytes reads a two byte length prefixed field.
func (d *decoder) bytes() []byte {
	l := int(d.uint16())
	if d.err != nil {
		return nil
	}
	if len(d.b) < l {
		d.err = protocolViolation("field length exceeds packet")
		return nil
	}
	v := d.b[:l]
	d.b = d.b[l:]
	return v
}

func (d *decoder) rest() []byte {
	v := d.b
	d.b = nil
	return v
}

func makeConnack(code uint8) []byte {
	return []byte{model.CONNACK, 2, 0, code}
}

func makeAck(controlType uint8, pID uint16) []byte {
	return []byte{controlType, 2, byte(pID >> 8), byte(pID)}
}

func makeSuback(pID uint16, codes []uint8) []byte {
	rl := 2 + len(codes)
	pkt := make([]byte, 0, 1+model.LengthToNumberOfVariableLengthBytes(rl)+rl)
	pkt = append(pkt, model.SUBACK)
	pkt = model.VariableLengthEncode(pkt, rl)
	pkt = append(pkt, byte(pID>>8), byte(pID))
	return append(pkt, codes...)
}

func makePublish(p *model.Publish, qos uint8, pID uint16, retain bool) []byte {
	rl := 2 + len(p.Topic) + len(p.Payload)
	if qos > 0 {
		rl += 2
	}

	flags := qos << 1
	if retain {
		flags |= 0x01
	}

	pkt := make([]byte, 0, 1+model.LengthToNumberOfVariableLengthBytes(rl)+rl)
	pkt = append(pkt, model.PUBLISH|flags)
	pkt = model.VariableLengthEncode(pkt, rl)
	pkt = model.AppendString(pkt, p.Topic)
	if qos > 0 {
		pkt = append(pkt, byte(pID>>8), byte(pID))
	}
	return append(pkt, p.Payload...)
}
