// Package idgen produces time-ordered 64-bit identifiers for messages and commands.
//
// An id is laid out as [44 bits unix ms][20 bits sequence]. Ids from one Generator
// are strictly increasing while fewer than 2^20 are drawn per millisecond; past that
// the sequence wraps and ids within that millisecond repeat.
package idgen
