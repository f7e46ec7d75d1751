// Package storage provides the optional audit persistence layer.
//
// It currently supports:
//   - Audit trail appends (delivery failures, scheduler misfires, notices)
//   - Reading back the most recent entries (for the /log command)
package storage
