package dist

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing between coordinator and workers. Every message is a fixed
// header followed by BodyLength payload bytes. Collectives are lockstep, so
// each connection only ever has one message in flight per direction.
type messageType byte

const (
	typeHello messageType = iota + 1
	typeHelloAck
	typeGather
	typeBroadcast
	typeBarrier
	typeBarrierRelease
	typeError
)

func (t messageType) String() string {
	switch t {
	case typeHello:
		return "hello"
	case typeHelloAck:
		return "hello_ack"
	case typeGather:
		return "gather"
	case typeBroadcast:
		return "broadcast"
	case typeBarrier:
		return "barrier"
	case typeBarrierRelease:
		return "barrier_release"
	case typeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

const (
	sessionIDLength = 36 // uuid string form
	headerLength    = 1 + sessionIDLength + 4 + 8
)

type header struct {
	Type       messageType
	SessionID  string
	Rank       uint32
	BodyLength uint64
}

func writeMessage(w io.Writer, h header, body []byte) error {
	if len(h.SessionID) != sessionIDLength {
		return fmt.Errorf("session id %q has length %d, want %d", h.SessionID, len(h.SessionID), sessionIDLength)
	}
	buf := make([]byte, headerLength, headerLength+len(body))
	buf[0] = byte(h.Type)
	copy(buf[1:], h.SessionID)
	binary.BigEndian.PutUint32(buf[1+sessionIDLength:], h.Rank)
	binary.BigEndian.PutUint64(buf[1+sessionIDLength+4:], uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// maxBodyLength bounds a single message at 1 GiB, comfortably above any
// realistic latent payload and low enough to reject corrupt headers before
// allocating.
const maxBodyLength = 1 << 30

func readMessage(r io.Reader) (header, []byte, error) {
	buf := make([]byte, headerLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return header{}, nil, err
	}
	h := header{
		Type:       messageType(buf[0]),
		SessionID:  string(buf[1 : 1+sessionIDLength]),
		Rank:       binary.BigEndian.Uint32(buf[1+sessionIDLength:]),
		BodyLength: binary.BigEndian.Uint64(buf[1+sessionIDLength+4:]),
	}
	if h.BodyLength > maxBodyLength {
		return header{}, nil, fmt.Errorf("message body %d bytes exceeds limit", h.BodyLength)
	}
	var body []byte
	if h.BodyLength > 0 {
		body = make([]byte, h.BodyLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return header{}, nil, err
		}
	}
	return h, body, nil
}

// expect reads one message and checks its type and session, converting a
// remote typeError into a local error.
func expect(r io.Reader, want messageType, session string) (header, []byte, error) {
	h, body, err := readMessage(r)
	if err != nil {
		return header{}, nil, err
	}
	if h.Type == typeError {
		return header{}, nil, fmt.Errorf("remote rank %d: %s", h.Rank, body)
	}
	if h.Type != want {
		return header{}, nil, fmt.Errorf("unexpected %s message, want %s", h.Type, want)
	}
	if session != "" && h.SessionID != session {
		return header{}, nil, fmt.Errorf("message for session %s, want %s", h.SessionID, session)
	}
	return h, body, nil
}
