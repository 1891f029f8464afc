package config

// TelemetryConfig configures OTLP exporters shared by every Meltica service,
// including the Weaver control plane.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}
