// Package api documents the DAGFlow HTTP API.
//
// # API Overview
//
// DAGFlow provides a RESTful API for:
//   - Registering workflow definitions (JSON or YAML)
//   - Starting, inspecting and cancelling executions
//   - Approving or rejecting executions waiting at an approval gate
//   - Streaming lifecycle events over WebSocket
//   - Health monitoring, configuration and metrics
//
// # Authentication
//
// When API keys are configured, endpoints require the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// When a JWT secret is configured, a bearer token is accepted instead:
//
//	Authorization: Bearer <token>
//
// Health, version and metrics endpoints are never authenticated.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Endpoints
//
//	POST   /api/v1/definitions
//	GET    /api/v1/definitions
//	GET    /api/v1/definitions/{id}
//	DELETE /api/v1/definitions/{id}
//	GET    /api/v1/definitions/{id}/layers
//	POST   /api/v1/definitions/{id}/executions
//	GET    /api/v1/executions
//	GET    /api/v1/executions/{id}
//	GET    /api/v1/executions/{id}/status
//	GET    /api/v1/executions/{id}/steps
//	POST   /api/v1/executions/{id}/cancel
//	POST   /api/v1/executions/{id}/approval
//	GET    /api/v1/executions/{id}/events   (WebSocket)
//	GET    /api/v1/approvals
//	GET    /api/v1/events                   (WebSocket)
//
// Handlers live in the handlers subpackage.
package api
