// Package server implements the LAN chat relay: the session registry and
// room directory (Hub), the message router, per-connection workers for the
// TCP and WebSocket transports, and the listeners that host them.
//
// The implementation is organized into files by concern: configuration,
// hub and rooms, routing, clients and transports, HTTP handlers, metrics and
// the operator console.
package server
