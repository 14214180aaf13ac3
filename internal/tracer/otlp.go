package tracer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rajasatyajit/toolgate/internal/logger"
)

// OTLP span kinds (spec §6): the values match the OTLP Span.SpanKind enum.
const (
	spanKindUnspecified = 0
	spanKindInternal    = 1
	spanKindServer      = 2
	spanKindClient      = 3
)

// OTLP status codes: UNSET, OK, ERROR, matching the collector's
// Status.StatusCode enum closely enough for a JSON-only emitter.
const (
	statusCodeUnset = 0
	statusCodeOK    = 1
	statusCodeError = 2
)

// otlpKeyValue is one entry of an OTLP "attributes" array: a flat
// key/value list, never a bare JSON object, per spec §6.
type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

// otlpAnyValue is OTLP's tagged-union AnyValue, narrowed to the scalar
// variants this emitter's span attributes actually produce.
type otlpAnyValue struct {
	StringValue string   `json:"stringValue,omitempty"`
	IntValue    string   `json:"intValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
}

func toAnyValue(v any) otlpAnyValue {
	switch val := v.(type) {
	case string:
		return otlpAnyValue{StringValue: val}
	case bool:
		b := val
		return otlpAnyValue{BoolValue: &b}
	case int:
		return otlpAnyValue{IntValue: strconv.Itoa(val)}
	case int64:
		return otlpAnyValue{IntValue: strconv.FormatInt(val, 10)}
	case float64:
		d := val
		return otlpAnyValue{DoubleValue: &d}
	default:
		return otlpAnyValue{StringValue: fmt.Sprintf("%v", val)}
	}
}

func toAttributes(attrs map[string]any) []otlpKeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]otlpKeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, otlpKeyValue{Key: k, Value: toAnyValue(v)})
	}
	return out
}

// otlpStatus is a span's OTLP Status: code plus an optional message,
// populated from the tracer's free-form Span.Status string.
type otlpStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func toOTLPStatus(status string) otlpStatus {
	if status == "ok" || status == "" {
		return otlpStatus{Code: statusCodeOK}
	}
	return otlpStatus{Code: statusCodeError, Message: status}
}

// otlpSpan is the OTLP JSON span shape from spec §6: string-encoded
// nanosecond timestamps (OTLP's int64-as-string convention), an
// attributes key-value array, and kind/parentSpanId.
type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Status            otlpStatus     `json:"status"`
}

// rootSpanID derives a stable pseudo span ID for the request's root
// span from the trace ID's first 8 bytes, the same convention the W3C
// traceparent/OTel SDKs use for a synthetic root when none was
// explicitly started. Every recorded span parents to it.
func rootSpanID(tr Trace) string {
	return tr.ID.String()[:16]
}

func toOTLPSpans(tr Trace) []otlpSpan {
	out := make([]otlpSpan, 0, len(tr.Spans))
	root := rootSpanID(tr)
	cursor := tr.StartedAt
	for _, s := range tr.Spans {
		start := cursor
		end := start.Add(time.Duration(s.DurationMs) * time.Millisecond)
		cursor = end
		out = append(out, otlpSpan{
			TraceID:           tr.ID.String(),
			SpanID:            s.ID.String(),
			ParentSpanID:      root,
			Name:              s.Name,
			Kind:              spanKindInternal,
			StartTimeUnixNano: strconv.FormatInt(start.UnixNano(), 10),
			EndTimeUnixNano:   strconv.FormatInt(end.UnixNano(), 10),
			Attributes:        toAttributes(s.Attributes),
			Status:            toOTLPStatus(s.Status),
		})
	}
	return out
}

// OTLPExporter batches completed traces' spans and POSTs them to
// <endpoint>/v1/traces as OTLP JSON. Failed batches retry by
// re-prepending to the queue if there is room; otherwise they are
// dropped and counted.
type OTLPExporter struct {
	mu             sync.Mutex
	endpoint       string
	authHeader     string
	serviceName    string
	serviceVersion string
	client         *http.Client
	maxBatchSize   int
	maxQueuedSpans int
	queue          []otlpSpan
	dropped        int64
}

func NewOTLPExporter(endpoint, authHeader, serviceName, serviceVersion string, maxBatchSize, maxQueuedSpans int) *OTLPExporter {
	return &OTLPExporter{
		endpoint:       endpoint,
		authHeader:     authHeader,
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		client:         &http.Client{Timeout: 10 * time.Second},
		maxBatchSize:   maxBatchSize,
		maxQueuedSpans: maxQueuedSpans,
	}
}

// Enqueue adds a completed trace's spans to the export queue.
func (e *OTLPExporter) Enqueue(tr Trace) {
	spans := toOTLPSpans(tr)
	e.mu.Lock()
	defer e.mu.Unlock()
	room := e.maxQueuedSpans - len(e.queue)
	if e.maxQueuedSpans > 0 && room < len(spans) {
		if room < 0 {
			room = 0
		}
		e.dropped += int64(len(spans) - room)
		spans = spans[:room]
	}
	e.queue = append(e.queue, spans...)
}

// Flush ships up to maxBatchSize queued spans. On failure the batch is
// re-prepended to the queue if there is room for it, else dropped.
func (e *OTLPExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	n := e.maxBatchSize
	if n <= 0 || n > len(e.queue) {
		n = len(e.queue)
	}
	batch := e.queue[:n]
	e.queue = e.queue[n:]
	e.mu.Unlock()

	if err := e.send(ctx, batch); err != nil {
		e.mu.Lock()
		if e.maxQueuedSpans <= 0 || len(e.queue)+len(batch) <= e.maxQueuedSpans {
			e.queue = append(batch, e.queue...)
		} else {
			e.dropped += int64(len(batch))
			logger.Error("otlp export failed, batch dropped (queue full)", "error", err, "batch_size", len(batch))
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// otlpResource carries the resource-level attributes spec §6 requires:
// service.name and service.version; no other resource attributes are
// emitted.
type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeSpans struct {
	Spans []otlpSpan `json:"spans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpPayload struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

func (e *OTLPExporter) resource() otlpResource {
	return otlpResource{Attributes: []otlpKeyValue{
		{Key: "service.name", Value: otlpAnyValue{StringValue: e.serviceName}},
		{Key: "service.version", Value: otlpAnyValue{StringValue: e.serviceVersion}},
	}}
}

func (e *OTLPExporter) send(ctx context.Context, batch []otlpSpan) error {
	body, err := json.Marshal(otlpPayload{
		ResourceSpans: []otlpResourceSpans{{
			Resource:   e.resource(),
			ScopeSpans: []otlpScopeSpans{{Spans: batch}},
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.authHeader != "" {
		req.Header.Set("Authorization", e.authHeader)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("otlp export: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// QueueLen reports how many spans are currently queued, for tests and
// diagnostics.
func (e *OTLPExporter) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Dropped reports how many spans have been dropped due to a full queue.
func (e *OTLPExporter) Dropped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// StartPeriodicFlush runs Flush every interval until ctx is canceled,
// then performs one final drain flush before returning.
func (e *OTLPExporter) StartPeriodicFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for e.QueueLen() > 0 {
				if err := e.Flush(context.Background()); err != nil {
					return
				}
			}
			return
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				logger.Error("periodic otlp flush failed", "error", err)
			}
		}
	}
}
