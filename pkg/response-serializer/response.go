package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
)

const storedAtHeaderName = "Offline-Stored-At"

var ErrMalformed = errors.New("malformed stored response")

// Snapshot is a complete, immutable copy of a response, as captured when it was
// received from the network. Handlers share snapshots freely; nothing mutates
// one after creation.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Request that resulted in the response.
	// Only method, URL, host and headers are kept (never the body).
	Request *http.Request
	// The value of the clock at the time the response was received.
	StoredAt time.Time
}

// New creates a snapshot, copying everything it is given.
func New(req *http.Request, statusCode int, header http.Header, body []byte) *Snapshot {
	return &Snapshot{
		StatusCode: statusCode,
		Header:     header.Clone(),
		Body:       append([]byte(nil), body...),
		Request:    requestMetadata(req),
		StoredAt:   time.Now(),
	}
}

// FromResponse reads and closes the response body and returns its snapshot.
func FromResponse(req *http.Request, res *http.Response) (*Snapshot, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	return New(req, res.StatusCode, res.Header, body), nil
}

func requestMetadata(req *http.Request) *http.Request {
	if req == nil {
		return nil
	}
	u := &url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Request{
		Method:     req.Method,
		URL:        u,
		Host:       req.Host,
		Header:     header,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
}

// Response returns a fresh *http.Response backed by the snapshot.
// Every call returns an independent body reader.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Matches reports whether the snapshot may answer the request, comparing the
// header fields named by the stored Vary header.
// A stored "Vary: *" never matches.
func (s *Snapshot) Matches(r *http.Request) bool {
	if s.Request == nil {
		return true
	}
	for _, field := range cachekey.VaryFields(s.Header) {
		if field == "*" {
			return false
		}
		if strings.Join(s.Request.Header.Values(field), ",") != strings.Join(r.Header.Values(field), ",") {
			return false
		}
	}
	return true
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// SnapshotToBytes returns the stored form of the snapshot: the request head,
// a delimiter, and the HTTP/1.1 representation of the response.
func SnapshotToBytes(s *Snapshot) ([]byte, error) {
	buf := &bytes.Buffer{}
	if s.Request != nil {
		if err := writeRequestHead(buf, s.Request); err != nil {
			return nil, err
		}
	}
	buf.Write(delim)

	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	res := &http.Response{
		StatusCode:    s.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(s.Body)),
	}
	if len(s.Body) > 0 {
		res.Body = io.NopCloser(bytes.NewReader(s.Body))
	}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses the output of SnapshotToBytes.
func BytesToSnapshot(b []byte) (*Snapshot, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, ErrMalformed
	}
	s := &Snapshot{}
	if len(reqBytes) > 0 {
		req, err := http.ReadRequest(bufio.NewReader(io.MultiReader(bytes.NewReader(reqBytes), strings.NewReader("\r\n"))))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		s.Request = requestMetadata(req)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer res.Body.Close()
	if s.Body, err = io.ReadAll(res.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s.StatusCode = res.StatusCode
	s.Header = res.Header
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(0, storedAt)
	}
	s.Header.Del(storedAtHeaderName)
	return s, nil
}

// writeRequestHead writes the request line and headers, without the final blank line,
// so the first blank line in the stored bytes is the one opening the delimiter.
func writeRequestHead(w *bytes.Buffer, req *http.Request) error {
	uri := req.URL.RequestURI()
	if strings.ContainsAny(uri, " \r\n") || strings.ContainsAny(req.Method, " \r\n") {
		return fmt.Errorf("%w: invalid request line %q %q", ErrMalformed, req.Method, uri)
	}
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, uri)
	if host := req.Host; host != "" {
		fmt.Fprintf(w, "Host: %s\r\n", host)
	}
	return req.Header.WriteSubset(w, map[string]bool{"Host": true})
}
