// Package telemetry wires the OpenTelemetry SDK for dagflow: OTLP/gRPC
// exporters, a parent-based sampler and W3C propagation. With telemetry
// disabled the global providers stay noop and no connection is made.
//
// Recorder mirrors the engine's Prometheus measurements as OTel instruments
// and is combined with the collector through workflow.MultiRecorder.
package telemetry
