package bus

import (
	"bytes"
	"slices"

	"github.com/arloliu/go-poolbus/frame"
)

// Well known action codes.
const (
	ActionAck        byte = 1
	ActionPumpStatus byte = 7
	ActionVersion    byte = 252
	ActionGetVersion byte = 253

	replyActionMask   byte = 63
	chlorinatorCodeAt      = 1
)

// MatchMode selects how a Response compares payloads.
type MatchMode uint8

const (
	// MatchAction matches on the action alone.
	MatchAction MatchMode = iota
	// MatchItem also requires the first payload byte to equal Item.
	MatchItem
	// MatchPrefix also requires the payload to start with Prefix.
	MatchPrefix
)

func (m MatchMode) String() string {
	switch m {
	case MatchAction:
		return "action"
	case MatchItem:
		return "item"
	case MatchPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Response describes the inbound message that answers a request.
//
// An inbound matches when its protocol equals the request's, pump replies
// come back with swapped addresses, the action equals Action (a version
// request is answered by ActionVersion), the payload satisfies Mode and the
// optional Match predicate returns true.
//
// With AcceptAck set, an ActionAck naming the request's action in its first
// payload byte also matches.
type Response struct {
	Action    byte
	Mode      MatchMode
	Item      byte
	Prefix    []byte
	AcceptAck bool
	Match     func(in, out *frame.Message) bool
}

// AckResponse expects an acknowledgement of action.
func AckResponse(action byte) *Response {
	return &Response{Action: ActionAck, Mode: MatchItem, Item: action}
}

// Matches reports whether in answers out.
func (r *Response) Matches(in, out *frame.Message) bool {
	if in == nil || out == nil || !in.Valid() || in.Direction != frame.DirectionIn {
		return false
	}
	if in.Protocol != out.Protocol {
		return false
	}
	if in.Protocol == frame.ProtocolPump {
		if in.Source() != out.Dest() || in.Dest() != out.Source() {
			return false
		}
	}

	if r.AcceptAck && in.Action() == ActionAck && len(in.Payload) > 0 && in.Payload[0] == out.Action() {
		return true
	}

	if in.Action() != r.Action && (r.Action != ActionGetVersion || in.Action() != ActionVersion) {
		return false
	}

	switch r.Mode {
	case MatchItem:
		if len(in.Payload) == 0 || in.Payload[0] != r.Item {
			return false
		}
	case MatchPrefix:
		if !bytes.HasPrefix(in.Payload, r.Prefix) {
			return false
		}
	}

	if r.Match != nil {
		return r.Match(in, out)
	}

	return true
}

func (r *Response) clone() *Response {
	c := *r
	c.Prefix = append([]byte(nil), r.Prefix...)

	return &c
}

// ReplyRules derive the expected Response from an outbound message.
type ReplyRules struct {
	// ItemActions are reply actions that answer for one item, named by
	// the first payload byte of both request and reply.
	ItemActions []byte
	// PrefixMatching expects replies to repeat the request payload.
	PrefixMatching bool
}

// DefaultReplyRules returns the rules of *Touch style controllers.
func DefaultReplyRules() ReplyRules {
	return ReplyRules{ItemActions: []byte{10, 11, 17}}
}

// ResponseFor derives the response out expects.
//
// Broadcast requests are answered by the action with its two high bits
// cleared or by an acknowledgement. Pump requests are answered by the pump
// echoing the action with swapped addresses. Chlorinator requests use
// ChlorinatorResponse.
func (rr ReplyRules) ResponseFor(out *frame.Message) *Response {
	switch out.Protocol {
	case frame.ProtocolChlorinator:
		return ChlorinatorResponse(out)
	case frame.ProtocolPump:
		return PumpResponse(out)
	}

	action := out.Action()
	if action != ActionGetVersion {
		action &= replyActionMask
	}
	r := &Response{Action: action, AcceptAck: true}

	switch {
	case rr.PrefixMatching && len(out.Payload) > 0:
		r.Mode = MatchPrefix
		r.Prefix = append([]byte(nil), out.Payload...)
	case slices.Contains(rr.ItemActions, action) && len(out.Payload) > 0:
		r.Mode = MatchItem
		r.Item = out.Payload[0]
	}

	return r
}

// ResponseFor derives a response with DefaultReplyRules.
func ResponseFor(out *frame.Message) *Response {
	return DefaultReplyRules().ResponseFor(out)
}

// PumpResponse expects a pump to answer out.
//
// A status request is answered by any status reply. Other commands are
// answered by an echo of the payload, or for run commands by the value
// bytes of the request.
func PumpResponse(out *frame.Message) *Response {
	r := &Response{Action: out.Action()}
	if out.Action() == ActionPumpStatus {
		return r
	}

	r.Match = func(in, out *frame.Message) bool {
		if len(out.Payload) >= 4 && len(in.Payload) >= 2 &&
			in.Payload[0] == out.Payload[2] && in.Payload[1] == out.Payload[3] {
			return true
		}

		return bytes.Equal(in.Payload, out.Payload)
	}

	return r
}

var chlorinatorReplies = map[byte][]byte{
	0:  {1},
	17: {18, 21, 22},
	20: {3},
}

// ChlorinatorResponse expects a chlorinator to answer out. The request and
// reply codes sit in the second payload byte.
func ChlorinatorResponse(_ *frame.Message) *Response {
	return &Response{
		Match: func(in, out *frame.Message) bool {
			if len(in.Payload) <= chlorinatorCodeAt || len(out.Payload) <= chlorinatorCodeAt {
				return false
			}
			replies, ok := chlorinatorReplies[out.Payload[chlorinatorCodeAt]]

			return ok && slices.Contains(replies, in.Payload[chlorinatorCodeAt])
		},
	}
}
