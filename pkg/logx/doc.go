// Package logx is tickwork's structured logging layer over zerolog.
//
// A Service owns the sinks: a readable console writer, an append-only JSON
// file, and a rate-limited ring of recent warnings for the debug console.
// Loggers handed out by a Service follow every Service.Apply, so a config
// reload swaps sinks and levels without rebuilding component loggers.
package logx
