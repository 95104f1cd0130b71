// Package storage persists engine diagnostics.
//
// It currently supports:
//   - Fault log appends (recovered task panics)
//   - Frame statistics samples
package storage
