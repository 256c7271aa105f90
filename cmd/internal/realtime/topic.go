package realtime

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TopicKind tags the fanout scope of a Topic.
type TopicKind uint8

const (
	TopicGlobal TopicKind = iota + 1
	TopicRoom
	TopicDirect
)

const (
	topicGlobal       = "global"
	topicRoomPrefix   = "room:"
	topicDirectPrefix = "direct:"

	maxRoomIDLen   = 128
	maxIdentityLen = 128
)

// Topic is the scope that decides which sessions receive an event.
//
// Global reaches every session, Room(id) reaches members of that room,
// Direct(identity) reaches only sessions running under that identity.
type Topic struct {
	Kind TopicKind
	ID   string
}

// Global returns the topic every session subscribes to.
func Global() Topic { return Topic{Kind: TopicGlobal} }

// Room returns the topic for room members.
func Room(id string) Topic { return Topic{Kind: TopicRoom, ID: id} }

// Direct returns the private topic of one identity.
func Direct(identity string) Topic { return Topic{Kind: TopicDirect, ID: identity} }

func (t Topic) String() string {
	switch t.Kind {
	case TopicGlobal:
		return topicGlobal
	case TopicRoom:
		return topicRoomPrefix + t.ID
	case TopicDirect:
		return topicDirectPrefix + t.ID
	default:
		return ""
	}
}

// ParseTopic parses the wire form of a topic.
// "direct" without an identity is accepted; the caller supplies the recipient.
func ParseTopic(s string) (Topic, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == topicGlobal:
		return Global(), nil
	case s == "direct":
		return Topic{Kind: TopicDirect}, nil
	case strings.HasPrefix(s, topicRoomPrefix):
		id := strings.TrimPrefix(s, topicRoomPrefix)
		if err := validateRoomID(id); err != nil {
			return Topic{}, err
		}
		return Room(id), nil
	case strings.HasPrefix(s, topicDirectPrefix):
		id := strings.TrimPrefix(s, topicDirectPrefix)
		if err := validateIdentity(id); err != nil {
			return Topic{}, err
		}
		return Direct(id), nil
	default:
		return Topic{}, invalid("topic", fmt.Sprintf("unknown topic %q", s))
	}
}

// DirectPairTopic is the stored topic of a private message between a and b.
// The pair is order independent so both directions share one topic.
func DirectPairTopic(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return topicDirectPrefix + a + "," + b
}

var idRE = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

func validateRoomID(id string) error {
	if id == "" {
		return invalid("room", "required")
	}
	if len(id) > maxRoomIDLen {
		return invalid("room", fmt.Sprintf("too long: max=%d", maxRoomIDLen))
	}
	if !idRE.MatchString(id) {
		return invalid("room", "unsupported characters")
	}
	return nil
}

func validateIdentity(id string) error {
	if id == "" {
		return invalid("identity", "required")
	}
	if len(id) > maxIdentityLen {
		return invalid("identity", fmt.Sprintf("too long: max=%d", maxIdentityLen))
	}
	// ',' is reserved as the separator of direct pair topics.
	if !idRE.MatchString(id) {
		return invalid("identity", "unsupported characters")
	}
	return nil
}

var errUnknownTopic = errors.New("realtime: unknown topic")

// routeTopic maps a stored record topic back to its fanout topic.
func routeTopic(stored string) (Topic, error) {
	switch {
	case stored == topicGlobal:
		return Global(), nil
	case strings.HasPrefix(stored, topicRoomPrefix):
		return Room(strings.TrimPrefix(stored, topicRoomPrefix)), nil
	default:
		return Topic{}, fmt.Errorf("%w: %q", errUnknownTopic, stored)
	}
}
