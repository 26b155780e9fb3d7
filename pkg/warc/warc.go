// Package warc writes captured exchanges as a WARC/1.1 journal: one
// warcinfo record at open, then a request record and a response record per
// exchange. With gzip enabled each record is
// framed as its own gzip member so the file stays readable as a stream of
// independent records. Grounded on WarcOutputSingleton's write_record/
// warcinfo-at-open behavior.
package warc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

const warcVersion = "WARC/1.1"

// RecordSink persists captured exchanges. Write is safe for concurrent use
// by multiple pairs; each call serializes to its own WARC request and
// response records.
type RecordSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	gzip   bool
}

// Open creates filename through create and writes a warcinfo record.
// useGzip enables gzip-member-per-record framing; OpenFile sets it when the
// filename ends in ".gz".
func Open(filename string, useGzip bool, create func(string) (io.WriteCloser, error)) (*RecordSink, error) {
	f, err := create(filename)
	if err != nil {
		return nil, fmt.Errorf("warc: opening %s: %w", filename, err)
	}

	s := &RecordSink{w: f, closer: f, gzip: useGzip}
	if err := s.writeRecord(newWarcinfoRecord()); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the underlying file.
func (s *RecordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// Write persists one captured exchange as a request record plus a response
// record, linked by WARC-Concurrent-To. body is the logical (de-chunked)
// response payload; the caller marks truncated when the capture buffer hit
// its cap before the body finished.
func (s *RecordSink) Write(targetURL string, requestHead, responseHead, body []byte, truncated bool) error {
	reqRec := newRequestRecord(targetURL, requestHead)
	respRec := newResponseRecord(targetURL, responseHead, body, truncated)
	respRec.concurrentTo = reqRec.recordID

	if err := s.writeRecord(reqRec); err != nil {
		return err
	}
	return s.writeRecord(respRec)
}

func (s *RecordSink) writeRecord(rec *record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closer == nil {
		return fmt.Errorf("warc: sink is closed")
	}

	var dst io.Writer = s.w
	var gz *gzip.Writer
	if s.gzip {
		gz = gzip.NewWriter(s.w)
		dst = gz
	}

	bw := bufio.NewWriter(dst)
	if err := rec.writeTo(bw); err != nil {
		return fmt.Errorf("warc: writing record: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("warc: flushing record: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("warc: closing gzip member: %w", err)
		}
	}
	return nil
}

// record is one WARC record: a header block followed by a block of content.
type record struct {
	recordType   string
	targetURI    string
	date         time.Time
	recordID     string
	concurrentTo string
	contentTy    string
	block        []byte
}

func newWarcinfoRecord() *record {
	return &record{
		recordType: "warcinfo",
		date:       time.Now().UTC(),
		recordID:   newRecordID(),
		contentTy:  "application/warc-fields",
		block:      []byte("software: warcmitm\r\nformat: WARC File Format 1.1\r\n"),
	}
}

func newRequestRecord(targetURL string, requestHead []byte) *record {
	return &record{
		recordType: "request",
		targetURI:  targetURL,
		date:       time.Now().UTC(),
		recordID:   newRecordID(),
		contentTy:  "application/http; msgtype=request",
		block:      requestHead,
	}
}

func newResponseRecord(targetURL string, responseHead, body []byte, truncated bool) *record {
	var block bytes.Buffer
	block.Write(responseHead)
	block.Write(body)

	r := &record{
		recordType: "response",
		targetURI:  targetURL,
		date:       time.Now().UTC(),
		recordID:   newRecordID(),
		contentTy:  "application/http; msgtype=response",
		block:      block.Bytes(),
	}
	if truncated {
		r.contentTy += "; truncated=length"
	}
	return r
}

func newRecordID() string {
	return "<urn:uuid:" + uuid.NewString() + ">"
}

func (r *record) writeTo(w io.Writer) error {
	var header bytes.Buffer
	fmt.Fprintf(&header, "%s\r\n", warcVersion)
	fmt.Fprintf(&header, "WARC-Type: %s\r\n", r.recordType)
	fmt.Fprintf(&header, "WARC-Record-ID: %s\r\n", r.recordID)
	fmt.Fprintf(&header, "WARC-Date: %s\r\n", r.date.Format(time.RFC3339))
	if r.targetURI != "" {
		fmt.Fprintf(&header, "WARC-Target-URI: %s\r\n", r.targetURI)
	}
	if r.concurrentTo != "" {
		fmt.Fprintf(&header, "WARC-Concurrent-To: %s\r\n", r.concurrentTo)
	}
	fmt.Fprintf(&header, "Content-Type: %s\r\n", r.contentTy)
	fmt.Fprintf(&header, "Content-Length: %d\r\n", len(r.block))
	header.WriteString("\r\n")

	if _, err := w.Write(header.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(r.block); err != nil {
		return err
	}
	// WARC record separator.
	_, err := w.Write([]byte("\r\n\r\n"))
	return err
}
