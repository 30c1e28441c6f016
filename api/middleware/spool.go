package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"hash"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
)

// memorySpoolLimit is how much of a request body stays in memory before the
// rest goes to a temp file.
const memorySpoolLimit = 1 << 20

// requestHasher digests a request body as it streams past. Multipart
// boundaries are random per request, so they are dropped before hashing.
type requestHasher struct {
	sum   hash.Hash
	sink  io.Writer
	strip *stripWriter
}

func newRequestHasher(contentType string) *requestHasher {
	h := &requestHasher{sum: sha256.New()}
	h.sink = h.sum
	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		if boundary := params["boundary"]; boundary != "" {
			h.strip = &stripWriter{w: h.sum, pattern: []byte(boundary)}
			h.sink = h.strip
		}
	}
	return h
}

func (h *requestHasher) Write(p []byte) (int, error) {
	return h.sink.Write(p)
}

func (h *requestHasher) Sum() string {
	if h.strip != nil {
		h.strip.flush()
	}
	return base64.StdEncoding.EncodeToString(h.sum.Sum(nil))
}

func hashRequest(contentType string, body []byte) string {
	h := newRequestHasher(contentType)
	_, _ = h.Write(body)
	return h.Sum()
}

// stripWriter forwards its input minus every occurrence of pattern. A match
// may straddle two writes, so up to len(pattern)-1 bytes are held back.
type stripWriter struct {
	w       io.Writer
	pattern []byte
	pending []byte
}

func (s *stripWriter) Write(p []byte) (int, error) {
	buf := append(s.pending, p...)
	for {
		i := bytes.Index(buf, s.pattern)
		if i < 0 {
			break
		}
		if _, err := s.w.Write(buf[:i]); err != nil {
			return 0, err
		}
		buf = buf[i+len(s.pattern):]
	}
	keep := min(len(s.pattern)-1, len(buf))
	if _, err := s.w.Write(buf[:len(buf)-keep]); err != nil {
		return 0, err
	}
	s.pending = append([]byte(nil), buf[len(buf)-keep:]...)
	return len(p), nil
}

func (s *stripWriter) flush() {
	_, _ = s.w.Write(s.pending)
	s.pending = nil
}

// spool holds a request body in memory up to memorySpoolLimit and in a temp
// file beyond it.
type spool struct {
	mem  bytes.Buffer
	file *os.File
	err  error
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.mem.Len()+len(p) <= memorySpoolLimit {
		return s.mem.Write(p)
	}
	if s.file == nil {
		f, err := os.CreateTemp("", "kilnbook-body-*")
		if err != nil {
			s.err = err
			return 0, err
		}
		s.file = f
		if _, err := s.file.Write(s.mem.Bytes()); err != nil {
			s.err = err
			return 0, err
		}
		s.mem.Reset()
	}
	n, err := s.file.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

// reader rewinds the spool for the downstream handler.
func (s *spool) reader() (io.ReadCloser, error) {
	if s.file == nil {
		return io.NopCloser(bytes.NewReader(s.mem.Bytes())), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.NopCloser(s.file), nil
}

func (s *spool) release() {
	if s.file == nil {
		return
	}
	name := s.file.Name()
	_ = s.file.Close()
	_ = os.Remove(name)
	s.file = nil
}

// spoolRequest consumes r.Body, hashing it on the way, and replaces it with a
// rewound copy. The caller must release the returned spool once the request
// is served.
func spoolRequest(w http.ResponseWriter, r *http.Request, limit int64) (*spool, string, error) {
	reader := r.Body
	if limit > 0 {
		reader = http.MaxBytesReader(w, r.Body, limit)
	}
	hasher := newRequestHasher(r.Header.Get("Content-Type"))
	sp := &spool{}

	if _, err := io.Copy(io.MultiWriter(hasher, sp), reader); err != nil {
		sp.release()
		if sp.err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, sp.err, "spool request body")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", pkgerrors.New(pkgerrors.CodeTooLarge, "request body too large").
				WithDetails(map[string]any{"max_bytes": tooLarge.Limit})
		}
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request")
	}

	body, err := sp.reader()
	if err != nil {
		sp.release()
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "rewind request body")
	}
	r.Body = body
	return sp, hasher.Sum(), nil
}
