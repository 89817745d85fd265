package transport

import (
	"context"
	"fmt"
	"strconv"
)

// Ping sends the startup liveness check to the local block node
// (spec.md §4.F startup step 3: "fatal on failure").
func Ping(ctx context.Context, conn Connection) error {
	_, err := conn.Request(ctx, "ping")
	return err
}

// NotifierValidateReply is the parsed 2- or 3-part reply to
// notifier.validate (spec.md §4.F.a).
type NotifierValidateReply struct {
	Code    int
	Message string
	SvcData []byte
	HasData bool
}

// NotifierValidate sends the outbound notifier.validate request
// (spec.md "Outbound notifier.validate (request) -- 2 parts: service
// name, service_info JSON string. Reply: [code, text, svc_data?]").
func NotifierValidate(ctx context.Context, conn Connection, service string, serviceInfoJSON []byte) (*NotifierValidateReply, error) {
	reply, err := conn.Request(ctx, "notifier.validate", []byte(service), serviceInfoJSON)
	if err != nil {
		return nil, err
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("transport: notifier.validate reply had %d parts, want 2 or 3", len(reply))
	}
	code, err := strconv.Atoi(string(reply[0]))
	if err != nil {
		return nil, fmt.Errorf("transport: notifier.validate reply code: %w", err)
	}
	out := &NotifierValidateReply{Code: code, Message: string(reply[1])}
	if len(reply) >= 3 {
		out.SvcData = reply[2]
		out.HasData = true
	}
	return out, nil
}

// NotifierPush sends the outbound notifier.push command carrying a single
// bencoded dict body (spec.md §4.F.d item 6).
func NotifierPush(ctx context.Context, conn Connection, body []byte) error {
	return conn.Command(ctx, "notifier.push", body)
}

// MonitorMessages sends the outbound monitor.messages request carrying
// the bencoded subscription list (spec.md §4.E).
func MonitorMessages(ctx context.Context, conn Connection, body []byte) error {
	_, err := conn.Request(ctx, "monitor.messages", body)
	return err
}

// GetServiceNodes sends rpc.get_service_nodes to the block node and
// returns the raw reply for the caller to JSON-decode (spec.md §4.F.e).
func GetServiceNodes(ctx context.Context, conn Connection) ([][]byte, error) {
	return conn.Request(ctx, "rpc.get_service_nodes")
}

// AdminRegisterService sends the one-part admin.register_service
// command a notifier process issues on startup (spec.md: "one-part
// payload: service name (<=32 bytes)").
func AdminRegisterService(ctx context.Context, conn Connection, service string) error {
	if len(service) > 32 {
		return fmt.Errorf("transport: service name %q exceeds 32 bytes", service)
	}
	return conn.Command(ctx, "admin.register_service", []byte(service))
}
