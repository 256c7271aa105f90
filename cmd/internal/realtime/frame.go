package realtime

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

var errFrameMAC = errors.New("realtime: frame authentication failed")

// frame is one event on the backbone.
type frame struct {
	Origin  string          `json:"origin"`
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	MAC     []byte          `json:"mac,omitempty"`
}

// framePresence is the payload of an EventPresence frame: the sending
// instance's local sessions only.
type framePresence struct {
	Online map[string]string `json:"online"`
}

func encodeEvent(ev Event) (json.RawMessage, error) {
	switch ev.Kind {
	case EventMessage, EventAdvance:
		return json.Marshal(ev.Record)
	case EventTyping:
		return json.Marshal(ev.Typing)
	case EventPresence:
		return json.Marshal(framePresence{Online: ev.Presence})
	default:
		return nil, fmt.Errorf("realtime: event %s is not replicated", ev.Kind)
	}
}

func decodeEvent(kind EventKind, payload json.RawMessage) (Event, error) {
	ev := Event{Kind: kind}
	var err error
	switch kind {
	case EventMessage, EventAdvance:
		err = json.Unmarshal(payload, &ev.Record)
	case EventTyping:
		err = json.Unmarshal(payload, &ev.Typing)
	case EventPresence:
		var p framePresence
		err = json.Unmarshal(payload, &p)
		ev.Presence = p.Online
	default:
		err = fmt.Errorf("realtime: unexpected frame kind %d", kind)
	}
	return ev, err
}

// frameKey derives the MAC key. blake2b keys are at most 64 bytes.
func frameKey(secret []byte) []byte {
	if len(secret) == 0 {
		return nil
	}
	if len(secret) > blake2b.Size {
		sum := blake2b.Sum256(secret)
		return sum[:]
	}
	return secret
}

func (f *frame) mac(key []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	for _, part := range [][]byte{
		[]byte(f.Origin),
		[]byte(strconv.FormatUint(f.Seq, 10)),
		[]byte(f.Topic),
		[]byte(strconv.Itoa(int(f.Kind))),
		f.Payload,
	} {
		// Length prefix keeps field boundaries unambiguous.
		_, _ = h.Write([]byte(strconv.Itoa(len(part)) + ":"))
		_, _ = h.Write(part)
	}
	return h.Sum(nil), nil
}

func (f *frame) sign(key []byte) error {
	if len(key) == 0 {
		f.MAC = nil
		return nil
	}
	m, err := f.mac(key)
	if err != nil {
		return err
	}
	f.MAC = m
	return nil
}

func (f *frame) verify(key []byte) error {
	if len(key) == 0 {
		return nil
	}
	if len(f.MAC) == 0 {
		return errFrameMAC
	}
	want, err := f.mac(key)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, f.MAC) != 1 {
		return errFrameMAC
	}
	return nil
}

func marshalFrame(f frame, key []byte) ([]byte, error) {
	if err := f.sign(key); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func unmarshalFrame(data []byte, key []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	if err := f.verify(key); err != nil {
		return frame{}, err
	}
	return f, nil
}
