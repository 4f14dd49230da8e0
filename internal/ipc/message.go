package ipc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeInit          Type = "init"
	TypeReady         Type = "ready"
	TypeRequest       Type = "request"
	TypeResponse      Type = "response"
	TypeMessage       Type = "message"
	TypeHeartbeatPing Type = "heartbeat-ping"
	TypeHeartbeat     Type = "heartbeat"
	TypeShutdown      Type = "shutdown"
)

// Methods carried by Request and Notify messages.
const (
	MethodExport   = "export"
	MethodCancel   = "cancel"
	MethodProgress = "progress"
)

// Message is implemented only by the types in this file.
type Message interface {
	Type() Type
	sealed()
}

// Init is the first message a worker receives.
type Init struct {
	Channel  string
	WorkerID string
}

// Ready unblocks the host's start handshake.
type Ready struct{}

// Request expects exactly one Response with the same ID.
type Request struct {
	ID     uint64
	Method string
	Data   msgpack.RawMessage
}

// Response answers a Request. Error is empty on success.
type Response struct {
	ID    uint64
	Data  msgpack.RawMessage
	Error string
}

// Notify is a fire-and-forget message (wire type "message").
type Notify struct {
	Method string
	Data   msgpack.RawMessage
}

// HeartbeatPing asks the worker to prove it is alive.
type HeartbeatPing struct{}

// Heartbeat is the worker's liveness reply.
type Heartbeat struct{}

// Shutdown asks the worker to exit cooperatively.
type Shutdown struct{}

func (Init) Type() Type          { return TypeInit }
func (Ready) Type() Type         { return TypeReady }
func (Request) Type() Type       { return TypeRequest }
func (Response) Type() Type      { return TypeResponse }
func (Notify) Type() Type        { return TypeMessage }
func (HeartbeatPing) Type() Type { return TypeHeartbeatPing }
func (Heartbeat) Type() Type     { return TypeHeartbeat }
func (Shutdown) Type() Type      { return TypeShutdown }

func (Init) sealed()          {}
func (Ready) sealed()         {}
func (Request) sealed()       {}
func (Response) sealed()      {}
func (Notify) sealed()        {}
func (HeartbeatPing) sealed() {}
func (Heartbeat) sealed()     {}
func (Shutdown) sealed()      {}

// envelope is the single wire shape shared by all message types.
type envelope struct {
	Type     Type               `msgpack:"type"`
	ID       uint64             `msgpack:"id,omitempty"`
	Method   string             `msgpack:"method,omitempty"`
	Channel  string             `msgpack:"channel,omitempty"`
	WorkerID string             `msgpack:"worker_id,omitempty"`
	Data     msgpack.RawMessage `msgpack:"data,omitempty"`
	Error    string             `msgpack:"error,omitempty"`
}

func toEnvelope(m Message) (envelope, error) {
	switch msg := m.(type) {
	case Init:
		return envelope{Type: TypeInit, Channel: msg.Channel, WorkerID: msg.WorkerID}, nil
	case Ready:
		return envelope{Type: TypeReady}, nil
	case Request:
		if msg.Method == "" {
			return envelope{}, fmt.Errorf("request %d has no method", msg.ID)
		}
		return envelope{Type: TypeRequest, ID: msg.ID, Method: msg.Method, Data: msg.Data}, nil
	case Response:
		return envelope{Type: TypeResponse, ID: msg.ID, Data: msg.Data, Error: msg.Error}, nil
	case Notify:
		if msg.Method == "" {
			return envelope{}, fmt.Errorf("message has no method")
		}
		return envelope{Type: TypeMessage, Method: msg.Method, Data: msg.Data}, nil
	case HeartbeatPing:
		return envelope{Type: TypeHeartbeatPing}, nil
	case Heartbeat:
		return envelope{Type: TypeHeartbeat}, nil
	case Shutdown:
		return envelope{Type: TypeShutdown}, nil
	default:
		return envelope{}, fmt.Errorf("unsupported message %T", m)
	}
}

func fromEnvelope(env envelope) (Message, error) {
	switch env.Type {
	case TypeInit:
		return Init{Channel: env.Channel, WorkerID: env.WorkerID}, nil
	case TypeReady:
		return Ready{}, nil
	case TypeRequest:
		return Request{ID: env.ID, Method: env.Method, Data: env.Data}, nil
	case TypeResponse:
		return Response{ID: env.ID, Data: env.Data, Error: env.Error}, nil
	case TypeMessage:
		return Notify{Method: env.Method, Data: env.Data}, nil
	case TypeHeartbeatPing:
		return HeartbeatPing{}, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case TypeShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode marshals a payload for the Data field of a message.
// A nil payload encodes to nil so that it is omitted on the wire.
func Encode(v interface{}) (msgpack.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return msgpack.RawMessage(b), nil
}

// DecodeData unmarshals a Data field into v. Empty data leaves v untouched.
func DecodeData(data msgpack.RawMessage, v interface{}) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// NewNotify builds a Notify with an encoded payload.
func NewNotify(method string, payload interface{}) (Notify, error) {
	data, err := Encode(payload)
	if err != nil {
		return Notify{}, err
	}
	return Notify{Method: method, Data: data}, nil
}

// RemoteError is a failure reported by the worker in a Response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s failed: %s", e.Method, e.Message)
}
