// Package api is the HTTP surface of the service.
//
// Devices post signed envelopes to the ingest endpoint; subscribers upgrade
// to a websocket; operators with the admin role announce alerts and
// notifications and inspect live connections. Every JSON reply uses the
// {result, data | code, message, details, correlationId} envelope.
package api
