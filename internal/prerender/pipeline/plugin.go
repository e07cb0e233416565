package pipeline

import "context"

// Action tells the pipeline whether to keep going after a hook
type Action int

const (
	// Continue hands the request to the next hook
	Continue Action = iota
	// Halt ends dispatch. In RequestReceived the plugin's response is sent without rendering;
	// in BeforeSend the response is sealed so later hooks can no longer replace it.
	Halt
)

func (a Action) String() string {
	if a == Halt {
		return "halt"
	}
	return "continue"
}

// Plugin is a named pipeline stage. A plugin takes part in a phase by
// implementing RequestReceiver, BeforeRenderer and/or BeforeSender.
type Plugin interface {
	Name() string
}

// RequestReceiver is called once per request before rendering, in registration order
type RequestReceiver interface {
	RequestReceived(ctx context.Context, req *Request) Action
}

// BeforeRenderer is called when RequestReceived produced no response and the renderer
// is about to run, in registration order over the plugins whose RequestReceived was
// reached. A plugin may respond and Halt to skip the render.
type BeforeRenderer interface {
	BeforeRender(ctx context.Context, req *Request) Action
}

// BeforeSender is called once per request after a response exists, in reverse
// registration order, and only for plugins whose RequestReceived phase was reached
type BeforeSender interface {
	BeforeSend(ctx context.Context, req *Request) Action
}
