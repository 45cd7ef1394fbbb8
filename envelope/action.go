// Package envelope defines the canonical on-wire message shape shared by
// every transport backend and the action tags that select a branch of
// the protocol.
package envelope

import "strings"

// Action is a protocol tag selecting which branch of the handshake,
// stream, or query machinery an Envelope belongs to.
type Action string

// Canonical action tags. Servers may emit either the canonical dotted
// form or the camelCase synonym listed in synonymOf; both are accepted
// on ingress and canonicalized to these constants.
const (
	ActionPing                   Action = "ping"
	ActionPong                   Action = "pong"
	ActionOutboxStreamBatch      Action = "outbox.stream.batch"
	ActionOutboxStreamAck        Action = "outbox.stream.ack"
	ActionQueryRequest           Action = "query.request"
	ActionQueryResponse          Action = "query.response"
	ActionRegisterStreamConsumer Action = "registerStreamConsumer"
	ActionError                  Action = "error"
)

// Style records which spelling an inbound action tag used, so an
// emitted reply (notably an ACK) can mirror it (testable property 7).
type Style int

const (
	StyleDotted Style = iota
	StyleCamel
)

// synonymOf maps the camelCase spelling to its canonical dotted form.
// Actions with no listed synonym (ping, pong, query.request,
// query.response, registerStreamConsumer, error) have only one spelling.
var synonymOf = map[string]Action{
	"outboxStreamBatch": ActionOutboxStreamBatch,
	"outboxStreamAck":   ActionOutboxStreamAck,
}

// dottedToCamel is the inverse of synonymOf, used to mirror style on
// outbound frames.
var dottedToCamel = map[Action]string{
	ActionOutboxStreamBatch: "outboxStreamBatch",
	ActionOutboxStreamAck:   "outboxStreamAck",
}

// ParseAction canonicalizes a raw wire action tag and reports which
// style it was written in. Unknown tags are returned verbatim with
// ok == false; callers on ingress MUST silently ignore unknown actions.
func ParseAction(raw string) (action Action, style Style, ok bool) {
	if canon, found := synonymOf[raw]; found {
		return canon, StyleCamel, true
	}

	switch Action(raw) {
	case ActionPing, ActionPong, ActionOutboxStreamBatch, ActionOutboxStreamAck,
		ActionQueryRequest, ActionQueryResponse, ActionRegisterStreamConsumer, ActionError:
		return Action(raw), StyleDotted, true
	}

	return Action(raw), StyleDotted, false
}

// Render renders action in the requested style. Actions with no camel
// synonym render identically in both styles.
func Render(action Action, style Style) string {
	if style == StyleCamel {
		if camel, ok := dottedToCamel[action]; ok {
			return camel
		}
	}
	return string(action)
}

// IsDotted reports whether raw looks like the dotted canonical spelling
// (contains a '.').
func IsDotted(raw string) bool {
	return strings.Contains(raw, ".")
}
