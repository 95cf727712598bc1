// Package pcap encodes the classic libpcap capture-file format.
//
// Both headers are written big-endian to match the byte order of the
// producing dataplane; compliant readers detect the order from the magic
// value, so no host-endian variant is needed.
package pcap

import (
	"encoding/binary"
	"io"
)

const (
	Magic        = 0xa1b2c3d4
	VersionMajor = 2
	VersionMinor = 4
	SnapLen      = 65535

	// LinkTypeEthernet is the only link type the dataplane produces.
	LinkTypeEthernet = 1

	FileHeaderSize   = 24
	RecordHeaderSize = 16
)

// AppendFileHeader appends the global capture-file header to dst.
func AppendFileHeader(dst []byte) []byte {
	var hdr [FileHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint16(hdr[4:6], VersionMajor)
	binary.BigEndian.PutUint16(hdr[6:8], VersionMinor)
	binary.BigEndian.PutUint32(hdr[8:12], 0)  // thiszone
	binary.BigEndian.PutUint32(hdr[12:16], 0) // sigfigs
	binary.BigEndian.PutUint32(hdr[16:20], SnapLen)
	binary.BigEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	return append(dst, hdr[:]...)
}

// AppendRecord appends one per-packet header followed by the packet data.
// Captured length always equals original length; the bridge never
// truncates.
func AppendRecord(dst []byte, tsSec, tsUsec uint32, data []byte) []byte {
	var hdr [RecordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], tsSec)
	binary.BigEndian.PutUint32(hdr[4:8], tsUsec)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(data)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(data)))
	dst = append(dst, hdr[:]...)
	return append(dst, data...)
}

// Writer streams capture records to an underlying writer. Every call
// issues a single Write so pipe readers observe whole records.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter wraps w. The caller is expected to call WriteFileHeader once
// before any records.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFileHeader writes the global header.
func (pw *Writer) WriteFileHeader() error {
	pw.buf = AppendFileHeader(pw.buf[:0])
	_, err := pw.w.Write(pw.buf)
	return err
}

// WriteRecord writes one record header plus packet data.
func (pw *Writer) WriteRecord(tsSec, tsUsec uint32, data []byte) error {
	pw.buf = AppendRecord(pw.buf[:0], tsSec, tsUsec, data)
	_, err := pw.w.Write(pw.buf)
	return err
}
