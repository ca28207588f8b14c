package resilience

import (
	"context"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

// Compile-time assertion that ASRFallback satisfies asr.Provider.
var _ asr.Provider = (*ASRFallback)(nil)

// ASRFallback is an [asr.Provider] that opens streams on the first healthy
// backend of a [FallbackGroup].
//
// Failover happens only while opening a stream. A stream that fails after it
// was opened is not retried on another backend; the session that owns it
// sees the error.
type ASRFallback struct {
	group   *FallbackGroup[asr.Provider]
	metrics *observe.Metrics
}

// NewASRFallback creates an [ASRFallback] with primary as its first backend.
func NewASRFallback(primary asr.Provider, name string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback appends a backend tried after the primary and every fallback
// added before it.
func (f *ASRFallback) AddFallback(name string, p asr.Provider) {
	f.group.AddFallback(name, p)
}

// SetMetrics makes every failed stream open count toward the
// provider.errors instrument of the failing backend.
func (f *ASRFallback) SetMetrics(m *observe.Metrics) { f.metrics = m }

// Names returns the backend names in failover order.
func (f *ASRFallback) Names() []string { return f.group.Names() }

// States returns each backend's circuit state keyed by name.
func (f *ASRFallback) States() map[string]State { return f.group.States() }

// StreamingRecognize implements [asr.Provider].
func (f *ASRFallback) StreamingRecognize(ctx context.Context) (asr.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, name string, p asr.Provider) (asr.Stream, error) {
		st, err := p.StreamingRecognize(ctx)
		if err != nil && ctx.Err() == nil && f.metrics != nil {
			f.metrics.RecordProviderError(ctx, name, "asr")
		}
		return st, err
	})
}
