package dedupe

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
)

type ticketKey struct{}

// Plugin attaches a Coordinator to the request pipeline. It must be registered
// before the cache plugin so its BeforeSend runs last and releases after the
// cache store has finished.
type Plugin struct {
	coordinator *Coordinator
}

func NewPlugin(coordinator *Coordinator) *Plugin {
	return &Plugin{coordinator: coordinator}
}

func (p *Plugin) Name() string {
	return "dedupe"
}

func (p *Plugin) RequestReceived(ctx context.Context, req *pipeline.Request) pipeline.Action {
	ticket := p.coordinator.Before(ctx, req.RawURL)
	req.Set(ticketKey{}, ticket)
	return reject(req, ticket)
}

// BeforeRender catches a cache hit that could not be served: the render it falls
// back to goes through admission and locking like any other.
func (p *Plugin) BeforeRender(ctx context.Context, req *pipeline.Request) pipeline.Action {
	ticket := TicketFrom(req)
	if ticket == nil || ticket.State != StateShortCircuit {
		return pipeline.Continue
	}
	return reject(req, p.coordinator.Recheck(ctx, ticket))
}

func reject(req *pipeline.Request, ticket *Ticket) pipeline.Action {
	if ticket.Proceed() {
		return pipeline.Continue
	}

	req.Respond(ticket.StatusCode(), []byte(ticket.Message()), pipeline.SourcePlugin)
	req.SetHeader("Content-Type", "text/plain; charset=utf-8")
	if ticket.State == StateRejectedDuplicate {
		req.SetHeader("Retry-After", strconv.Itoa(ticket.RetryAfterSeconds()))
	}

	req.Logger.Debug("Request rejected by coordination",
		zap.String("state", ticket.State.String()),
		zap.Int("status", ticket.StatusCode()))
	return pipeline.Halt
}

func (p *Plugin) BeforeSend(ctx context.Context, req *pipeline.Request) pipeline.Action {
	p.coordinator.After(ctx, TicketFrom(req))
	return pipeline.Continue
}

// TicketFrom returns the ticket attached to req by the plugin, or nil
func TicketFrom(req *pipeline.Request) *Ticket {
	ticket, _ := req.Value(ticketKey{}).(*Ticket)
	return ticket
}
