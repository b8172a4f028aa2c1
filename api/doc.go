// Package api documents the ConvertFlow HTTP API.
//
// # Endpoints
//
//	POST /convert?output_format=<fmt>   multipart field "file"; input format from the extension
//	POST /convert/{in}-to-{out}         same, with the input format declared in the path
//	GET  /api/v1/formats                supported formats and MIME types
//	GET  /api/v1/conversions            recent conversion records (when a database is configured)
//	GET  /api/v1/conversions/summary    outcome counts per status
//	GET  /health, /healthz, /ready, /version
//
// Successful conversions stream the artifact with
// Content-Disposition: attachment; filename="converted.<fmt>". Failures
// return {"error": "<message>", "code": "<CODE>", "request_id": "..."} with
// status 400, 413, 429, 500 or 503.
//
// # Authentication
//
// When API keys are configured, requests must carry X-API-Key. When a JWT
// secret is configured, a bearer token is accepted instead and its subject
// becomes the rate-limit identity.
//
// Handlers live in the handlers subpackage.
package api
