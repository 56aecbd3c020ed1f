// Package protocol implements the framing vocabulary shared by the
// sender and receiver state machines: the fixed byte sentinels, the
// phase-boundary detector used during the handshake, and the in-band
// scanner used during the bulk-data phase.
package protocol

import (
	"bytes"
	"errors"
)

// Sentinels, verbatim per spec §3. None of these substrings may appear
// inside a filename, file payload chunk, or hash — a payload containing
// one is a protocol violation.
const (
	Ready        = "<<READY>>"
	File         = "<<FILE>>"
	EndFName     = "<<ENDFNAME>>"
	EOF          = "<<EOF>>\n"
	Done         = "<<DONE>>"
	Alive        = "Server Alive\n"
	UpdatePrefix = "SERVER UPDATE"
	HashLen      = 32
	ChunkSize    = 1536
)

// ErrOutOfSync is raised when a handshake sentinel (READY/FILE/DONE)
// appears where it should not — mid-filename or mid-bulk-transfer —
// per spec §4.1 and §7 error kind 3.
var ErrOutOfSync = errors.New("protocol: out of sync")

// handshakeSentinels are the sentinels that may never appear inside a
// payload (filename bytes, file chunk, hash). EOF is intentionally
// excluded: it is expected and handled specially during bulk receive.
var handshakeSentinels = []string{Ready, File, Done}

// ContainsAny reports whether data contains any handshake sentinel as a
// substring, and if so, which one. Used by the sender's sanity check
// before writing a chunk (spec §4.3 step 5) and the receiver's filename
// scanner (spec §4.4 step 4).
func ContainsAny(data []byte) (string, bool) {
	for _, s := range handshakeSentinels {
		if bytes.Contains(data, []byte(s)) {
			return s, true
		}
	}
	return "", false
}

// IsInformational reports whether a phase-boundary read is a known
// informational line (keepalive or "SERVER UPDATE" status) rather than a
// sentinel or a violation, per spec §4.1 mode 1 and §9 supplemented
// feature 5.
func IsInformational(line []byte) bool {
	if string(line) == Alive {
		return true
	}
	return bytes.HasPrefix(line, []byte(UpdatePrefix))
}
