// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger by value; a Logger derived from a Service stays
// live across Service.Apply() calls, so log level and sinks can be changed at
// runtime without re-wiring every component. The zero Logger is a safe no-op.
package logx
