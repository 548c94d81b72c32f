// Package protocol defines the realtime wire vocabulary.
//
// Every message starts with a fixed header:
//   - Type: 16-bit code, domain(5) | direction(1) | version(2) | command(8)
//   - ID: 64-bit time-ordered id (see package idgen)
//   - Timestamp: sender unix milliseconds
//   - Flags: HasTelemetry, IsCompressed, IsEncrypted, IsBatch, HasExt
//
// When HasTelemetry is set the header is followed by a TLV segment:
// uint16 content length, then {key uint16, length uint16, value} fields.
// Multi-byte fields are big-endian.
//
// The TypeRegistry maps type codes to payload shapes. It is an explicit table
// built at startup (see DefaultCatalog), never mutated afterwards.
package protocol
