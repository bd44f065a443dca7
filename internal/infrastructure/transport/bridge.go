package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	domaintool "github.com/cortexrt/assistant/internal/domain/tool"
	"github.com/cortexrt/assistant/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Bridge is the persistent bidirectional channel between the gateway and
// a device agent (spec.md §4.1), built on the teacher's websocket Hub.
// It correlates an outbound tool-call request with its asynchronous
// reply using a map of pending-future channels keyed by request id,
// since the hub itself only exposes fire-and-forget send/broadcast.
type Bridge struct {
	hub        *websocket.Hub
	logger     *zap.Logger
	pending    sync.Map // requestID (string) -> chan *websocket.WSMessage
	devices    sync.Map // deviceID (string) -> clientID (string)
	appHandler func(client *websocket.Client, msg *websocket.WSMessage)
}

// NewBridge wires itself as the hub's message handler so every inbound
// tool_result/error frame can resolve a pending Dispatch call. Frames of
// any other type (auth, register_device, prompt, heartbeat, ...) are
// forwarded to the application-layer handler set via SetAppHandler.
func NewBridge(hub *websocket.Hub, logger *zap.Logger) *Bridge {
	b := &Bridge{hub: hub, logger: logger}
	hub.SetMessageHandler(b.onMessage)
	return b
}

// SetAppHandler registers the application-layer callback invoked for
// every inbound frame the bridge itself doesn't consume (i.e. everything
// but tool_result/error, which resolve a pending Dispatch call).
func (b *Bridge) SetAppHandler(fn func(client *websocket.Client, msg *websocket.WSMessage)) {
	b.appHandler = fn
}

// BindDevice associates a deviceId with the websocket client id carrying
// its live connection. Called once the device's handshake message names
// its deviceId.
func (b *Bridge) BindDevice(deviceID, clientID string) {
	b.devices.Store(deviceID, clientID)
}

// UnbindDevice removes the device's connection mapping, e.g. on
// disconnect.
func (b *Bridge) UnbindDevice(deviceID string) {
	b.devices.Delete(deviceID)
}

// SendToDevice pushes an out-of-band frame (a notification, an
// agent_lifecycle update, ...) to a device's bound connection, bypassing
// the tool-call correlation machinery Dispatch uses.
func (b *Bridge) SendToDevice(deviceID string, msg *websocket.WSMessage) error {
	clientIDVal, ok := b.devices.Load(deviceID)
	if !ok {
		return fmt.Errorf("transport: device %s is not connected", deviceID)
	}
	return b.hub.SendToClient(clientIDVal.(string), msg)
}

func (b *Bridge) onMessage(client *websocket.Client, msg *websocket.WSMessage) {
	if msg.Type != websocket.MessageTypeToolResult && msg.Type != websocket.MessageTypeError {
		if b.appHandler != nil {
			b.appHandler(client, msg)
		}
		return
	}
	requestID := msg.ID
	if v, ok := msg.Metadata["requestId"].(string); ok && v != "" {
		requestID = v
	}
	if requestID == "" {
		return
	}
	if chVal, ok := b.pending.LoadAndDelete(requestID); ok {
		ch := chVal.(chan *websocket.WSMessage)
		select {
		case ch <- msg:
		default:
			b.logger.Warn("dropped tool reply, no receiver waiting", zap.String("requestId", requestID))
		}
	}
}

// Dispatch implements tool.DeviceDispatcher: sends a tool call to the
// device bound to deviceID and blocks until the correlated reply arrives
// or ctx is cancelled.
func (b *Bridge) Dispatch(ctx context.Context, deviceID, toolID string, args map[string]interface{}) (*domaintool.Result, error) {
	clientIDVal, ok := b.devices.Load(deviceID)
	if !ok {
		return nil, fmt.Errorf("transport: device %s is not connected", deviceID)
	}
	clientID := clientIDVal.(string)

	requestID := uuid.NewString()
	replyCh := make(chan *websocket.WSMessage, 1)
	b.pending.Store(requestID, replyCh)
	defer b.pending.Delete(requestID)

	msg := &websocket.WSMessage{
		Type: websocket.MessageTypeToolCall,
		ID:   requestID,
		Metadata: map[string]interface{}{
			"toolId":   toolID,
			"toolArgs": args,
		},
	}
	if err := b.hub.SendToClient(clientID, msg); err != nil {
		return nil, fmt.Errorf("transport: send tool call: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyCh:
		return parseToolResult(reply)
	}
}

func parseToolResult(msg *websocket.WSMessage) (*domaintool.Result, error) {
	if msg.Type == websocket.MessageTypeError {
		return &domaintool.Result{Success: false, Error: msg.Content}, nil
	}
	result := &domaintool.Result{Success: true, Output: msg.Content, Metadata: msg.Metadata}
	if ok, exists := msg.Metadata["success"].(bool); exists {
		result.Success = ok
	}
	if errStr, exists := msg.Metadata["error"].(string); exists {
		result.Error = errStr
	}
	return result, nil
}
