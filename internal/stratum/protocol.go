// Package stratum implements the client side of the Stratum V1 JSON-RPC
// line protocol spoken by upstream pools: message model, request builders,
// result parsers and typed inbound variants.
package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both the object form and the legacy
// [code, message, traceback] array form used by most pools.
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var arr []any
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		if len(arr) > 0 {
			code, err := toInt(arr[0])
			if err != nil {
				return fmt.Errorf("invalid error code: %w", err)
			}
			e.Code = code
		}
		if len(arr) > 1 {
			e.Message, _ = arr[1].(string)
		}
		if len(arr) > 2 {
			e.Data = arr[2]
		}
		return nil
	}

	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Error(p)
	return nil
}

// Common Stratum error codes
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

// Method names
const (
	MethodConfigure      = "mining.configure"
	MethodSubscribe      = "mining.subscribe"
	MethodAuthorize      = "mining.authorize"
	MethodSubmit         = "mining.submit"
	MethodNotify         = "mining.notify"
	MethodSetDifficulty  = "mining.set_difficulty"
	MethodSetVersionMask = "mining.set_version_mask"
	MethodReconnect      = "client.reconnect"
)

// ExtensionVersionRolling is the mining.configure extension for BIP 310
const ExtensionVersionRolling = "version-rolling"

// ConfigureResult represents the negotiated mining.configure extensions
type ConfigureResult struct {
	VersionRolling     bool
	VersionRollingMask uint32
}

// SubscribeResponse represents a mining.subscribe response
type SubscribeResponse struct {
	Subscriptions   [][]string `json:"subscriptions"`
	ExtraNonce1     string     `json:"extranonce1"`
	ExtraNonce2Size int        `json:"extranonce2_size"`
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	VersionBits string
}

// NotifyParams represents mining.notify parameters
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

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// RequestID returns the numeric id of the message, as assigned by NewConfigureRequest
// and the other builders.
func (m *Message) RequestID() (uint64, bool) {
	switch v := m.ID.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxUint64 {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// NewConfigureRequest builds mining.configure. A zero mask requests no extensions.
func NewConfigureRequest(id uint64, versionRollingMask uint32) *Message {
	extensions := []any{}
	options := map[string]any{}

	if versionRollingMask != 0 {
		extensions = append(extensions, ExtensionVersionRolling)
		options["version-rolling.mask"] = fmt.Sprintf("%08x", versionRollingMask)
		options["version-rolling.min-bit-count"] = 2
	}

	return NewRequest(id, MethodConfigure, []any{extensions, options})
}

// NewSubscribeRequest builds mining.subscribe
func NewSubscribeRequest(id uint64, userAgent string) *Message {
	return NewRequest(id, MethodSubscribe, []any{userAgent})
}

// NewAuthorizeRequest builds mining.authorize
func NewAuthorizeRequest(id uint64, username, password string) *Message {
	return NewRequest(id, MethodAuthorize, []any{username, password})
}

// NewSubmitRequest builds mining.submit. VersionBits is only sent when set.
func NewSubmitRequest(id uint64, req *SubmitRequest) *Message {
	params := []any{req.Username, req.JobID, req.ExtraNonce2, req.NTime, req.Nonce}
	if req.VersionBits != "" {
		params = append(params, req.VersionBits)
	}
	return NewRequest(id, MethodSubmit, params)
}

// ParseConfigureResult parses the mining.configure result object
func ParseConfigureResult(result any) (*ConfigureResult, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("configure result must be an object, got %T", result)
	}

	res := &ConfigureResult{}

	if enabled, ok := obj[ExtensionVersionRolling].(bool); ok && enabled {
		res.VersionRolling = true

		maskStr, ok := obj["version-rolling.mask"].(string)
		if !ok {
			return nil, fmt.Errorf("version-rolling accepted without a mask")
		}
		mask, err := strconv.ParseUint(maskStr, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid version-rolling mask %q: %w", maskStr, err)
		}
		res.VersionRollingMask = uint32(mask)
	}

	return res, nil
}

// ParseSubscribeResult parses the mining.subscribe result array
// [subscriptions, extranonce1, extranonce2_size]
func ParseSubscribeResult(result any) (*SubscribeResponse, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return nil, fmt.Errorf("subscribe result must be a 3 element array")
	}

	resp := &SubscribeResponse{}

	if subs, ok := arr[0].([]any); ok {
		for _, s := range subs {
			pair, ok := s.([]any)
			if !ok {
				continue
			}
			var entry []string
			for _, p := range pair {
				if str, ok := p.(string); ok {
					entry = append(entry, str)
				}
			}
			resp.Subscriptions = append(resp.Subscriptions, entry)
		}
	}

	en1, ok := arr[1].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce1 must be string")
	}
	resp.ExtraNonce1 = en1

	size, err := toInt(arr[2])
	if err != nil {
		return nil, fmt.Errorf("invalid extranonce2_size: %w", err)
	}
	if size < 0 || size > 32 {
		return nil, fmt.Errorf("extranonce2_size %d out of range", size)
	}
	resp.ExtraNonce2Size = size

	return resp, nil
}

// SubscriptionID returns the mining.notify subscription id, if present
func (r *SubscribeResponse) SubscriptionID() string {
	for _, s := range r.Subscriptions {
		if len(s) >= 2 && s[0] == MethodNotify {
			return s[1]
		}
	}
	return ""
}

// ParseBoolResult parses authorize and submit results
func ParseBoolResult(result any) (bool, error) {
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("result must be boolean, got %T", result)
	}
	return b, nil
}

// ParseNotifyParams parses mining.notify parameters
func ParseNotifyParams(params []any) (*NotifyParams, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("insufficient parameters: expected 9, got %d", len(params))
	}

	strs := make([]string, 0, 7)
	for _, idx := range []int{0, 1, 2, 3, 5, 6, 7} {
		s, ok := params[idx].(string)
		if !ok {
			return nil, fmt.Errorf("parameter %d must be string", idx)
		}
		strs = append(strs, s)
	}

	rawBranch, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle_branch must be an array")
	}
	branch := make([]string, 0, len(rawBranch))
	for _, b := range rawBranch {
		s, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("merkle_branch entries must be strings")
		}
		branch = append(branch, s)
	}

	clean, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be boolean")
	}

	return &NotifyParams{
		JobID:        strs[0],
		PrevHash:     strs[1],
		Coinb1:       strs[2],
		Coinb2:       strs[3],
		MerkleBranch: branch,
		Version:      strs[4],
		NBits:        strs[5],
		NTime:        strs[6],
		CleanJobs:    clean,
	}, nil
}

// ParseSetDifficulty parses mining.set_difficulty parameters
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}

	switch v := params[0].(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("difficulty must be numeric, got %T", params[0])
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
