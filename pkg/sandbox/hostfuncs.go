package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
)

// CapabilityMessaging gates send_message and receive_message.
const CapabilityMessaging = "messaging"

// Host call return codes.
const (
	hostOK              = 0
	hostErrGeneric      = 1
	hostErrNoCapability = 2
	hostErrBadArgs      = 3
	hostErrQueueFull    = 4
)

// hostWallModule is the only import namespace modules may use.
const hostWallModule = "env"

// hostWallFunctions is the complete host function wall. Anything else is
// absent from the linker, not merely denied.
var hostWallFunctions = map[string]bool{ //nolint:gochecknoglobals // Immutable wall definition
	"log":             true,
	"get_time":        true,
	"send_message":    true,
	"receive_message": true,
}

func isHostWallFunction(moduleName, name string) bool {
	return moduleName == hostWallModule && hostWallFunctions[name]
}

// SendFunc queues an outbound message from the guest. A non-nil error is
// reported to the guest as a non-zero return code.
type SendFunc func(recipient domain.AgentID, payload []byte) error

// ReceiveFunc pops the next inbound message payload for the guest, if any.
type ReceiveFunc func() ([]byte, bool)

// HostEnv carries the per-agent state visible to host calls: the
// capability set and the message plumbing. Calls lacking a capability
// return an error code and have no side effects.
type HostEnv struct {
	agentID      domain.AgentID
	capabilities map[string]bool
	send         SendFunc
	receive      ReceiveFunc
	maxLogLength int
	module       api.Module
	logger       *logx.Logger
	mu           sync.Mutex
}

// NewHostEnv builds the host environment for an agent.
func NewHostEnv(capabilities []string, send SendFunc, receive ReceiveFunc) *HostEnv {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &HostEnv{
		capabilities: caps,
		send:         send,
		receive:      receive,
		logger:       logx.NewLogger("hostcall"),
	}
}

// HasCapability reports whether the agent holds the named capability.
func (e *HostEnv) HasCapability(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capabilities[name]
}

// drainOutbox is a reuse hook; message plumbing is external, nothing is held here.
func (e *HostEnv) drainOutbox() {}

// readGuestMemory copies [ptr, ptr+length) out of the guest's linear memory.
func (e *HostEnv) readGuestMemory(m api.Module, ptr, length uint32) ([]byte, bool) {
	mem := m.Memory()
	if mem == nil {
		return nil, false
	}
	return mem.Read(ptr, length)
}

// instantiateHostWall registers exactly the four host calls in the env
// namespace. File-system, sockets, and process access are not registered:
// a module importing them fails instantiation.
func instantiateHostWall(ctx context.Context, runtime wazero.Runtime, env *HostEnv) error {
	_, err := runtime.NewHostModuleBuilder(hostWallModule).
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			env.hostLog(m, ptr, length)
		}).
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context) int64 {
			return time.Now().Unix()
		}).
		Export("get_time").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, recipientPtr, msgPtr, msgLen uint32) int32 {
			return env.hostSendMessage(m, recipientPtr, msgPtr, msgLen)
		}).
		Export("send_message").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, bufPtr, bufLen uint32) int32 {
			return env.hostReceiveMessage(m, bufPtr, bufLen)
		}).
		Export("receive_message").
		Instantiate(ctx)
	if err != nil {
		return logx.Wrap(err, "failed to instantiate host function wall")
	}
	return nil
}

// hostLog writes a guest log line through the runtime logger. The length
// is capped; an over-long line is truncated, not rejected.
func (e *HostEnv) hostLog(m api.Module, ptr, length uint32) {
	if e.maxLogLength > 0 && length > uint32(e.maxLogLength) {
		length = uint32(e.maxLogLength)
	}
	data, ok := e.readGuestMemory(m, ptr, length)
	if !ok {
		return
	}
	e.logger.Info("[agent %s] %s", e.agentID, string(data))
}

// hostSendMessage queues a message to another agent. Requires the
// messaging capability. The recipient is the 36-char canonical id form.
func (e *HostEnv) hostSendMessage(m api.Module, recipientPtr, msgPtr, msgLen uint32) int32 {
	if !e.HasCapability(CapabilityMessaging) {
		return hostErrNoCapability
	}
	if e.send == nil {
		return hostErrGeneric
	}

	const idLen = 36
	recipientRaw, ok := e.readGuestMemory(m, recipientPtr, idLen)
	if !ok {
		return hostErrBadArgs
	}
	recipient, err := domain.ParseAgentID(string(recipientRaw))
	if err != nil {
		return hostErrBadArgs
	}

	payload, ok := e.readGuestMemory(m, msgPtr, msgLen)
	if !ok {
		return hostErrBadArgs
	}

	if err := e.send(recipient, append([]byte(nil), payload...)); err != nil {
		if errorsIsQueueFull(err) {
			return hostErrQueueFull
		}
		return hostErrGeneric
	}
	return hostOK
}

// hostReceiveMessage copies the next inbound payload into the guest
// buffer. Returns bytes written, 0 when no message is pending, or a
// negative error code.
func (e *HostEnv) hostReceiveMessage(m api.Module, bufPtr, bufLen uint32) int32 {
	if !e.HasCapability(CapabilityMessaging) {
		return -hostErrNoCapability
	}
	if e.receive == nil {
		return -hostErrGeneric
	}

	payload, ok := e.receive()
	if !ok {
		return 0
	}
	if uint32(len(payload)) > bufLen {
		return -hostErrBadArgs
	}

	mem := m.Memory()
	if mem == nil || !mem.Write(bufPtr, payload) {
		return -hostErrGeneric
	}
	return int32(len(payload))
}

func errorsIsQueueFull(err error) bool {
	return errors.Is(err, domain.ErrQueueFull)
}
