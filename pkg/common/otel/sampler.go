package otel

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// rpcMethodKey holds the full gRPC method name on otelgrpc server spans.
const rpcMethodKey = attribute.Key("rpc.method")

// endpointExcluder drops spans for excluded routes and samples the rest by
// trace id ratio. Child spans follow their parent's decision.
type endpointExcluder struct {
	endpoints map[string]struct{}
	ratio     sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) sdktrace.Sampler {
	return sdktrace.ParentBased(endpointExcluder{
		endpoints: endpoints,
		ratio:     sdktrace.TraceIDRatioBased(probability),
	})
}

// ShouldSample implements the sampler interface. It prevents the specified
// endpoints from being added to the trace.
func (ee endpointExcluder) ShouldSample(parameters sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, ok := ee.endpoints[parameters.Name]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	for _, attr := range parameters.Attributes {
		if attr.Key == rpcMethodKey || attr.Key == "url.path" {
			if _, ok := ee.endpoints[attr.Value.AsString()]; ok {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}
	return ee.ratio.ShouldSample(parameters)
}

// Description implements the sampler interface.
func (ee endpointExcluder) Description() string {
	return "customSampler"
}
