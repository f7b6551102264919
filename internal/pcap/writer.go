// Package pcap emits classic libpcap streams. The connector uses it
// to capture every Ethernet frame crossing the datapath when capture
// is enabled in the configuration.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT identifier for Ethernet, matching the
// tcpdump/libpcap definition.
const LinkTypeEthernet uint32 = 1

const (
	fileHeaderLen   = 24
	recordHeaderLen = 16
	magicMicros     = 0xa1b2c3d4
)

// Writer appends captured frames to an io.Writer. It is safe for
// concurrent use: both forwarding legs capture through one Writer.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
}

// NewWriter writes the global pcap header and returns a Writer that
// truncates captured frames to snapLen bytes.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicros)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)

	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write file header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WriteFrame appends one frame, timestamped now.
func (w *Writer) WriteFrame(frame []byte) error {
	captured := len(frame)
	if w.snapLen != 0 && captured > int(w.snapLen) {
		captured = int(w.snapLen)
	}

	now := time.Now()
	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(now.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(captured))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := w.w.Write(frame[:captured]); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	return nil
}
