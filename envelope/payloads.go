package envelope

import "encoding/json"

// WireEvent is one event carried inside a BatchPayload. Payload is left
// as raw JSON: it may be a JSON structure or a JSON-encoded string; the
// core never interprets it.
type WireEvent struct {
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AggregateID string          `json:"aggregateId,omitempty"`
	BlockHeight *int64          `json:"blockHeight,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

// BatchPayload is the payload of an outbox.stream.batch envelope.
type BatchPayload struct {
	Events     []WireEvent `json:"events"`
	StreamID   string      `json:"streamId,omitempty"`
	FromOffset *int64      `json:"fromOffset,omitempty"`
	ToOffset   *int64      `json:"toOffset,omitempty"`
}

// AckPayload is the payload of an outbox.stream.ack envelope.
type AckPayload struct {
	OK         bool   `json:"ok"`
	OKIndices  []int  `json:"okIndices,omitempty"`
	StreamID   string `json:"streamId,omitempty"`
	FromOffset *int64 `json:"ackFromOffset,omitempty"`
	ToOffset   *int64 `json:"ackToOffset,omitempty"`
}

// QueryRequestPayload is the payload of a query.request envelope.
// ConstructorName is accepted on decode as a synonym for Name.
type QueryRequestPayload struct {
	Name string          `json:"name"`
	DTO  json.RawMessage `json:"dto,omitempty"`
}

type wireQueryRequest struct {
	Name            string          `json:"name,omitempty"`
	ConstructorName string          `json:"constructorName,omitempty"`
	DTO             json.RawMessage `json:"dto,omitempty"`
}

// MarshalJSON always renders the canonical "name" field.
func (q QueryRequestPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireQueryRequest{Name: q.Name, DTO: q.DTO})
}

// UnmarshalJSON accepts either "name" or "constructorName".
func (q *QueryRequestPayload) UnmarshalJSON(data []byte) error {
	var w wireQueryRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	q.Name = w.Name
	if q.Name == "" {
		q.Name = w.ConstructorName
	}
	q.DTO = w.DTO
	return nil
}

// QueryResponsePayload is the payload of a query.response envelope.
type QueryResponsePayload struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"err,omitempty"`
}

// PingPayload is the optional payload carried by Ping/Pong envelopes.
type PingPayload struct {
	TS       int64  `json:"ts,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	SID      string `json:"sid,omitempty"`
	Password string `json:"password,omitempty"`
}

// ErrorPayload is the payload of a server-originated "error" envelope.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SequentialOKIndices returns [0, 1, ..., n-1], the shape used whenever
// a batch ACK covers every input index, including the zero-subscriber case.
func SequentialOKIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
