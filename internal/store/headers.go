package store

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
)

// WriteRawHeader writes the header sidecar format spec.md §3 describes:
// the raw status line followed by the response headers, exactly as
// received from upstream.
func WriteRawHeader(w io.Writer, statusLine string, header http.Header) error {
	if _, err := fmt.Fprintf(w, "%s\r\n", statusLine); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// ReadRawHeader parses the header sidecar format back into a status line
// and header set.
func ReadRawHeader(r io.Reader) (statusLine string, header http.Header, err error) {
	tp := textproto.NewReader(bufio.NewReader(r))

	statusLine, err = tp.ReadLine()
	if err != nil {
		return "", nil, fmt.Errorf("store: reading status line: %w", err)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", nil, fmt.Errorf("store: reading headers: %w", err)
	}
	return statusLine, http.Header(mimeHeader), nil
}
