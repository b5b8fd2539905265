package topology

import "context"

// Operation handles one method.
type Operation interface {
	Process(ctx context.Context, req *Request) (*Response, error)
}

// Callbacker is implemented by operations that are called asynchronously
// and want the eventual responses.
type Callbacker interface {
	Callback(ctx context.Context, resp *Response)
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, req *Request) (*Response, error)

func (f OperationFunc) Process(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// RoleChecker decides whether a role may call a method.
type RoleChecker interface {
	Allow(role, method string) bool
}

// AllowAll permits every call.
type AllowAll struct{}

func (AllowAll) Allow(string, string) bool { return true }

// Transport moves packets between nodes.
type Transport interface {
	// Send delivers req to addr. For sync requests the response is the
	// operation result; for async ones it is only an acknowledgement.
	Send(ctx context.Context, addr string, req *Request) (*Response, error)
	// Deliver returns the response of an async request to its sender.
	Deliver(ctx context.Context, addr string, resp *Response) error
}
