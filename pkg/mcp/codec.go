package mcp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire format data into a Message.
// It returns either a *jsonrpc.Request or *jsonrpc.Response based on the
// message content. This delegates to the MCP SDK's jsonrpc package.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw JSON-RPC bytes and wraps them in a Message struct
// with the specified direction and current timestamp.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// NewToolCallRequest builds a tools/call request message with the given id,
// tool name and arguments.
func NewToolCallRequest(id int64, tool string, args map[string]interface{}) (*Message, error) {
	params, err := json.Marshal(ToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	rid, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("make id: %w", err)
	}
	req := &jsonrpc.Request{
		ID:     rid,
		Method: "tools/call",
		Params: params,
	}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &Message{
		Raw:       raw,
		Direction: ClientToServer,
		Decoded:   req,
		Timestamp: time.Now(),
	}, nil
}
