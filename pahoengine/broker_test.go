package pahoengine

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/vitalvas/mqttasync"
)

// fakeBroker speaks just enough MQTT 3.1.1 to drive a paho client over one
// in-memory pipe per connection.
type fakeBroker struct {
	t *testing.T

	mu             sync.Mutex
	returnCode     byte
	sessionPresent bool
	denied         map[string]bool
	conn           net.Conn

	writeMu   sync.Mutex
	connects  chan []byte
	publishes chan publishPacket
	dials     chan string
}

type publishPacket struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

func newFakeBroker(t *testing.T) *fakeBroker {
	return &fakeBroker{
		t:         t,
		denied:    make(map[string]bool),
		connects:  make(chan []byte, 8),
		publishes: make(chan publishPacket, 32),
		dials:     make(chan string, 8),
	}
}

// dial is a DialFunc serving each connection from the broker goroutine.
func (b *fakeBroker) dial(_ context.Context, server string, _ *mqttasync.ConnectOptions) (net.Conn, error) {
	local, remote := net.Pipe()
	b.mu.Lock()
	b.conn = remote
	b.mu.Unlock()
	b.t.Cleanup(func() { remote.Close() })

	b.dials <- server
	go b.serve(remote)
	return local, nil
}

// drop closes the live connection without a DISCONNECT.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// send delivers a QoS 0 publish to the connected client.
func (b *fakeBroker) send(topic string, payload []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	body := appendString(nil, topic)
	body = append(body, payload...)
	b.write(conn, 0x30, body)
}

func (b *fakeBroker) write(conn net.Conn, header byte, body []byte) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	pkt := []byte{header}
	n := len(body)
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		pkt = append(pkt, digit)
		if n == 0 {
			break
		}
	}
	_, _ = conn.Write(append(pkt, body...))
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var h [1]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, nil, err
	}

	length, mult := 0, 1
	for {
		var d [1]byte
		if _, err := io.ReadFull(r, d[:]); err != nil {
			return 0, nil, err
		}
		length += int(d[0]&0x7f) * mult
		if d[0]&0x80 == 0 {
			break
		}
		mult *= 128
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return h[0], body, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, []byte) {
	n := int(binary.BigEndian.Uint16(b))
	return string(b[2 : 2+n]), b[2+n:]
}

func (b *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()

	for {
		header, body, err := readFrame(conn)
		if err != nil {
			return
		}

		switch header >> 4 {
		case 1: // CONNECT
			b.connects <- body
			b.mu.Lock()
			ack := []byte{0, b.returnCode}
			if b.sessionPresent {
				ack[0] = 1
			}
			b.mu.Unlock()
			b.write(conn, 0x20, ack)
		case 3: // PUBLISH
			qos := (header >> 1) & 0x03
			topic, rest := readString(body)
			var id []byte
			if qos > 0 {
				id, rest = rest[:2], rest[2:]
			}
			b.publishes <- publishPacket{topic: topic, payload: rest, qos: qos, retain: header&0x01 == 1}
			switch qos {
			case 1:
				b.write(conn, 0x40, id)
			case 2:
				b.write(conn, 0x50, id)
			}
		case 6: // PUBREL
			b.write(conn, 0x70, body[:2])
		case 8: // SUBSCRIBE
			id, rest := body[:2], body[2:]
			ack := append([]byte{}, id...)
			for len(rest) > 0 {
				var filter string
				filter, rest = readString(rest)
				qos := rest[0]
				rest = rest[1:]
				b.mu.Lock()
				if b.denied[filter] {
					qos = 0x80
				}
				b.mu.Unlock()
				ack = append(ack, qos)
			}
			b.write(conn, 0x90, ack)
		case 10: // UNSUBSCRIBE
			b.write(conn, 0xB0, body[:2])
		case 12: // PINGREQ
			b.write(conn, 0xD0, nil)
		case 14: // DISCONNECT
			return
		}
	}
}
