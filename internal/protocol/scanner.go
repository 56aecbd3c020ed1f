package protocol

import "bytes"

// ScanResult is what EOFScanner.Feed found in one read chunk.
type ScanResult struct {
	// Payload is the file bytes to write, with any EOF sentinel and
	// carried-over tail bytes resolved.
	Payload []byte
	// Done is true once the terminating EOF sentinel has been seen at
	// the end of the stream.
	Done bool
	// MidChunkEOF is true when an EOF sentinel appeared but was not at
	// the logical end of the stream — spec §4.1's documented edge case
	// (logged and tolerated, not aborted; see spec §9 open question 1).
	MidChunkEOF bool
}

// EOFScanner implements the in-band sentinel detection mode from spec
// §4.1 item 2, upgraded per the REDESIGN FLAGS in spec §9: the original
// receiver's per-chunk `bytes.Contains` check misses an EOF sentinel
// that straddles two reads, because each chunk is scanned in isolation.
// EOFScanner instead keeps a short carry-over tail across Feed calls so
// a sentinel split across a chunk boundary is still recognized.
type EOFScanner struct {
	carry []byte
}

// NewEOFScanner returns a scanner ready to consume the first chunk of a
// bulk-data phase.
func NewEOFScanner() *EOFScanner {
	return &EOFScanner{}
}

// Feed scans one read chunk (raw bytes straight off the port) and
// returns the payload to write plus completion/violation flags. Once
// Done is true, the caller must stop feeding this scanner.
func (s *EOFScanner) Feed(chunk []byte) (ScanResult, error) {
	data := append(s.carry, chunk...)
	s.carry = nil

	if sentinel, found := ContainsAny(data); found {
		return ScanResult{}, &SyncError{Sentinel: sentinel}
	}

	var result ScanResult
	for {
		idx := bytes.Index(data, []byte(EOF))
		if idx < 0 {
			break
		}
		end := idx + len(EOF)
		if end == len(data) {
			result.Payload = append(result.Payload, data[:idx]...)
			result.Done = true
			return result, nil
		}
		// EOF appeared but more bytes follow: a mid-stream occurrence.
		// Per spec this is tolerated (logged, corrupts the hash rather
		// than aborting the transfer) — the sentinel bytes themselves
		// are written through as literal payload, and scanning
		// continues over the remainder of the chunk in case the real
		// terminating EOF (or another false one) follows.
		result.MidChunkEOF = true
		result.Payload = append(result.Payload, data[:end]...)
		data = data[end:]
	}

	// No further EOF in what's left. Hold back the last len(EOF)-1
	// bytes in case the sentinel is split across this read and the
	// next one.
	holdback := len(EOF) - 1
	if len(data) <= holdback {
		s.carry = data
		return result, nil
	}
	cut := len(data) - holdback
	result.Payload = append(result.Payload, data[:cut]...)
	s.carry = append([]byte(nil), data[cut:]...)
	return result, nil
}

// SyncError reports a handshake sentinel (READY/FILE/DONE) appearing
// where only payload bytes are expected — an out-of-sync condition per
// spec §4.1/§7.
type SyncError struct {
	Sentinel string
}

func (e *SyncError) Error() string {
	return "protocol: out of sync, unexpected " + e.Sentinel + " in data stream"
}

func (e *SyncError) Unwrap() error { return ErrOutOfSync }
