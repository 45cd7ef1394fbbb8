package envelope

import "encoding/json"

// Envelope is the canonical on-wire message object. Payload is kept as
// raw JSON so each component decodes only the shape it understands
// (BatchPayload, AckPayload, QueryRequestPayload, ...) without the
// envelope itself needing to know every payload variant.
type Envelope struct {
	Action        Action          `json:"-"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`

	// Style records which wire spelling (dotted vs camel) this envelope
	// was decoded with, so replies mirroring it render consistently.
	// Zero value (StyleDotted) is correct for envelopes constructed
	// locally, since dotted is canonical.
	Style Style `json:"-"`

	// unrecognized is set by UnmarshalJSON when the action tag matched
	// neither a canonical form nor a known synonym.
	unrecognized bool
}

// wireEnvelope is the JSON projection of Envelope; it exists because
// Action needs custom encode/decode to support synonyms.
type wireEnvelope struct {
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// MarshalJSON renders the envelope, mirroring e.Style for actions that
// have a synonym spelling.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Action:        Render(e.Action, e.Style),
		Payload:       e.Payload,
		RequestID:     e.RequestID,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp,
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire envelope, canonicalizing the action tag
// and recording which style it was spelled in. Unknown actions decode
// successfully (ok=false is not surfaced here); callers should check
// Recognized() and ignore the envelope if false.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	action, style, ok := ParseAction(w.Action)
	e.Action = action
	e.Style = style
	e.Payload = w.Payload
	e.RequestID = w.RequestID
	e.CorrelationID = w.CorrelationID
	e.Timestamp = w.Timestamp
	if !ok {
		e.Action = Action(w.Action)
		e.unrecognized = true
	}
	return nil
}

// Recognized reports whether the envelope's action tag is one the core
// understands. Unknown actions on ingress MUST be silently ignored.
func (e Envelope) Recognized() bool {
	return !e.unrecognized
}
