// Package instrumentation provides OpenTelemetry metrics and tracing for
// the toolauth servers.
//
// Usage:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "toolauthd",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// The instance is then handed to the HTTP handler and storage layers via
// their SetInstrumentation methods. Providers are no-op until an exporter
// is configured, so instrumented code paths cost nothing when telemetry is
// disabled.
//
// Metric names are grouped by layer:
//
//   - toolauth.http.*     request counts and latency
//   - toolauth.*          authorization flows, token issuance, registrations
//   - toolauth.token.validations.total and toolauth.tool.invocations_denied
//     for the resource server side
//   - storage.*           operation counts, latency, and table size gauges
//
// Span attributes never carry credential material; see the attribute key
// documentation in tracing.go.
package instrumentation
