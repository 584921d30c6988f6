package messaging

import (
	"context"
	"log/slog"
	"time"
)

// InboundProcessor consumes inbound customer messages. The conversation
// orchestrator implements this.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, tenantID, customerID, body string, at time.Time) error
}

// ResponseHandler bridges a messaging service's Responses() channel into an
// InboundProcessor. Each handler serves one tenant; a deployment runs one
// handler per connected WhatsApp channel.
type ResponseHandler struct {
	msgService Service
	processor  InboundProcessor
	tenantID   string
}

// NewResponseHandler creates a ResponseHandler routing inbound messages from
// the given service to the processor under the given tenant.
func NewResponseHandler(msgService Service, processor InboundProcessor, tenantID string) *ResponseHandler {
	return &ResponseHandler{
		msgService: msgService,
		processor:  processor,
		tenantID:   tenantID,
	}
}

// Start consumes the service's response channel until the channel closes or
// the context is cancelled. Run in a goroutine.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: consuming responses", "tenantID", rh.tenantID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("ResponseHandler.Start: context cancelled", "tenantID", rh.tenantID)
			return
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				slog.Info("ResponseHandler.Start: responses channel closed", "tenantID", rh.tenantID)
				return
			}
			if err := rh.processResponse(ctx, response.From, response.Body, response.Time); err != nil {
				slog.Error("ResponseHandler.Start: processing failed", "error", err, "from", response.From)
			}
		}
	}
}

// processResponse canonicalizes the sender and hands the message to the
// processor.
func (rh *ResponseHandler) processResponse(ctx context.Context, from, body string, timestamp int64) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Error("ResponseHandler.processResponse validation failed", "error", err, "from", from)
		return err
	}

	at := time.Unix(timestamp, 0)
	if timestamp <= 0 {
		at = time.Now()
	}

	slog.Debug("ResponseHandler.processResponse dispatching", "tenantID", rh.tenantID, "from", canonicalFrom, "body_length", len(body))
	return rh.processor.HandleInbound(ctx, rh.tenantID, canonicalFrom, body, at)
}
