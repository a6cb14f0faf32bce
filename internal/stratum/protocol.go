// Package stratum implements the Stratum V1 mining protocol: the
// JSON-RPC line framing and per-connection session state.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Message is a Stratum JSON-RPC message.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is a Stratum error response payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Stratum error codes. 20-25 are the mining error codes miners key
// their reject handling on; the negative codes are JSON-RPC standard.
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest holds mining.subscribe parameters.
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// SubscribeResponse holds the mining.subscribe result.
type SubscribeResponse struct {
	Subscriptions   [][]string `json:"subscriptions"`
	ExtraNonce1     string     `json:"extranonce1"`
	ExtraNonce2Size int        `json:"extranonce2_size"`
}

// AuthorizeRequest holds mining.authorize parameters.
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest holds mining.submit parameters.
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// NotifyParams holds mining.notify parameters.
type NotifyParams struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prevhash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`
}

// ParseMessage parses one JSON-RPC line.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage serializes a message to JSON.
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a request message.
func NewRequest(id any, method string, params []any) *Message {
	return &Message{ID: id, Method: method, Params: params}
}

// NewResponse creates a response message.
func NewResponse(id any, result any) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse creates an error response message.
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}

// NewNotification creates a notification (a request without an id).
func NewNotification(method string, params []any) *Message {
	return &Message{Method: method, Params: params}
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}
	password, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("password must be string")
	}

	return &AuthorizeRequest{Username: username, Password: password}, nil
}

// ParseSubmitRequest parses mining.submit parameters.
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := []string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}
