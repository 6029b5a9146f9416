package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-hub/bridge"
	"github.com/glimte/mmate-hub/event"
)

// Response messages
const (
	MessageOK             = "Ok"
	MessageInvalidPayload = "Invalid event payload."
	MessageInvalidType    = "Invalid event type."
	MessageTooLarge       = "Event payload too large."
	Greeting              = "Proxy!"
)

// Results recorded per POST /event
const (
	resultOK             = "ok"
	resultInvalidPayload = "invalid_payload"
	resultInvalidType    = "invalid_type"
	resultTooLarge       = "too_large"
	resultPublishFailed  = "publish_failed"
	resultTimeout        = "timeout"
	resultFailed         = "failed"
	resultCancelled      = "cancelled"
)

type messageBody struct {
	Message string `json:"message"`
}

type healthBody struct {
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	DateTime time.Time `json:"date_time"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, Greeting)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Code:     "0",
		Message:  "OK",
		DateTime: s.now().UTC(),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "hub.event", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	eventType := ""
	finish := func(result string, err error) {
		s.metrics.RecordEvent(eventType, result, time.Since(start))
		span.SetAttributes(attribute.String("hub.event.result", result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			finish(resultTooLarge, err)
			writeJSON(w, http.StatusRequestEntityTooLarge, messageBody{Message: MessageTooLarge})
			return
		}
		finish(resultInvalidPayload, err)
		writeJSON(w, http.StatusNotAcceptable, messageBody{Message: MessageInvalidPayload})
		return
	}

	evt, err := s.validator.Validate(body)
	switch {
	case errors.Is(err, event.ErrInvalidPayload):
		finish(resultInvalidPayload, err)
		writeJSON(w, http.StatusNotAcceptable, messageBody{Message: MessageInvalidPayload})
		return
	case err != nil:
		finish(resultInvalidType, err)
		writeJSON(w, http.StatusNotAcceptable, messageBody{Message: MessageInvalidType})
		return
	}

	eventType = evt.Type
	span.SetAttributes(
		attribute.String("hub.event.type", evt.Type),
		attribute.Bool("hub.event.command", evt.Command),
	)

	if !evt.Command {
		payload, err := json.Marshal(evt.Fields)
		if err == nil {
			err = s.publisher.Publish(ctx, evt.Topic(), payload)
		}
		s.metrics.RecordPublish(evt.Topic(), err)
		if err != nil && ctx.Err() != nil {
			finish(resultCancelled, err)
			panic(http.ErrAbortHandler)
		}
		if err != nil {
			s.logger.Error("failed to publish notification",
				"topic", evt.Topic(),
				"error", err,
				"requestId", RequestIDFromContext(ctx))
			finish(resultPublishFailed, err)
			writeJSON(w, http.StatusInternalServerError, messageBody{Message: err.Error()})
			return
		}
		finish(resultOK, nil)
		writeJSON(w, http.StatusOK, messageBody{Message: MessageOK})
		return
	}

	reply, err := s.requester.Request(ctx, evt.Topic(), evt.Fields)
	if err != nil {
		if errors.Is(err, bridge.ErrCancelled) {
			finish(resultCancelled, err)
			// client is gone; drop the connection without a body
			panic(http.ErrAbortHandler)
		}

		result := resultFailed
		if errors.Is(err, bridge.ErrTimeout) {
			result = resultTimeout
		}
		s.logger.Warn("command failed",
			"type", evt.Type,
			"error", err,
			"requestId", RequestIDFromContext(ctx))
		finish(result, err)
		writeJSON(w, http.StatusInternalServerError, messageBody{Message: err.Error()})
		return
	}

	span.SetAttributes(attribute.String("messaging.message.correlation_id", reply.CorrelationID))
	finish(resultOK, nil)
	writeRaw(w, http.StatusOK, reply.Payload)
}

// writeJSON writes v pretty-printed
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

// writeRaw writes an already encoded JSON document, pretty-printed
func writeRaw(w http.ResponseWriter, status int, doc []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		buf.Reset()
		buf.Write(doc)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
