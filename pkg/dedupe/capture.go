package dedupe

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// JSONWriter is implemented by response writers that accept a whole
// structured payload. Handlers should prefer it over Write when available
// (see WriteJSON) so the payload is captured as structured data.
type JSONWriter interface {
	WriteJSON(v any) error
}

// BlobWriter is implemented by response writers that accept a whole opaque
// payload with its content type.
type BlobWriter interface {
	WriteBlob(contentType string, body []byte) error
}

// WriteJSON sends v as a JSON response with the given status. It uses the
// writer's JSONWriter capability when present and falls back to encoding
// onto the plain stream.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if jw, ok := w.(JSONWriter); ok {
		return jw.WriteJSON(v)
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteBlob sends body unchanged with the given status and content type.
func WriteBlob(w http.ResponseWriter, status int, contentType string, body []byte) error {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	if bw, ok := w.(BlobWriter); ok {
		return bw.WriteBlob(contentType, body)
	}
	_, err := w.Write(body)
	return err
}

// Recorder decorates the response writer of an original request. Whatever
// the handler emits reaches the client unchanged; the Recorder keeps a copy.
//
// Three emission styles are recognised:
//   - WriteHeader: the status in force when headers are committed (200 if never set).
//   - WriteJSON / WriteBlob: a whole payload, captured directly with its kind.
//   - Write (+ Flush): incremental chunks, concatenated at Finalize.
type Recorder struct {
	w http.ResponseWriter

	mu          sync.Mutex
	status      int
	wroteHeader bool
	whole       []byte
	wholeKind   BodyKind
	wholeSet    bool
	wholeType   string
	chunks      bytes.Buffer
}

// NewRecorder wraps w.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{w: w, status: http.StatusOK}
}

// Header returns the underlying header map.
func (r *Recorder) Header() http.Header { return r.w.Header() }

// WriteHeader records the status and forwards it. Once headers are
// committed the status can no longer change, matching net/http.
func (r *Recorder) WriteHeader(code int) {
	r.mu.Lock()
	if r.wroteHeader {
		r.mu.Unlock()
		return
	}
	r.status = code
	r.wroteHeader = true
	r.mu.Unlock()
	r.w.WriteHeader(code)
}

// Write forwards a chunk and keeps a copy.
func (r *Recorder) Write(p []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	r.mu.Lock()
	r.chunks.Write(p)
	r.mu.Unlock()
	return r.w.Write(p)
}

// Flush forwards to the underlying writer when it can flush.
func (r *Recorder) Flush() {
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *Recorder) Unwrap() http.ResponseWriter { return r.w }

// WriteJSON encodes v, records it as a structured body and sends it.
func (r *Recorder) WriteJSON(v any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	contentType := r.w.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
		r.w.Header().Set("Content-Type", contentType)
	}
	r.setWhole(buf.Bytes(), BodyStructured, contentType)
	_, err := r.w.Write(buf.Bytes())
	return err
}

// WriteBlob records body as opaque and sends it.
func (r *Recorder) WriteBlob(contentType string, body []byte) error {
	if contentType == "" {
		contentType = r.w.Header().Get("Content-Type")
	}
	r.setWhole(body, BodyOpaque, contentType)
	_, err := r.w.Write(body)
	return err
}

func (r *Recorder) setWhole(body []byte, kind BodyKind, contentType string) {
	r.WriteHeader(http.StatusOK)
	r.mu.Lock()
	r.whole = append([]byte(nil), body...)
	r.wholeKind = kind
	r.wholeType = contentType
	r.wholeSet = true
	r.mu.Unlock()
}

// HasBody reports whether anything has been captured yet.
func (r *Recorder) HasBody() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wholeSet || r.chunks.Len() > 0
}

// HasWhole reports whether a whole payload (WriteJSON or WriteBlob) was
// captured, as opposed to incremental chunks.
func (r *Recorder) HasWhole() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wholeSet
}

// Status returns the recorded status.
func (r *Recorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Finalize returns the captured response. ok is false when no body was
// produced, in which case nothing should be cached.
//
// A whole payload wins over chunks. Chunks declared as JSON are checked and
// kept as structured when they parse; anything else is opaque. This never
// fails.
func (r *Recorder) Finalize() (resp Response, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wholeSet {
		return Response{
			StatusCode:  r.status,
			Body:        append([]byte(nil), r.whole...),
			Kind:        r.wholeKind,
			ContentType: r.wholeType,
		}, true
	}

	if r.chunks.Len() == 0 {
		return Response{}, false
	}

	body := append([]byte(nil), r.chunks.Bytes()...)
	contentType := r.w.Header().Get("Content-Type")
	kind := BodyOpaque
	if strings.Contains(contentType, "application/json") && json.Valid(body) {
		kind = BodyStructured
	}
	return Response{
		StatusCode:  r.status,
		Body:        body,
		Kind:        kind,
		ContentType: contentType,
	}, true
}

// Replay writes a captured response to w in a single emission.
func Replay(w http.ResponseWriter, resp Response) error {
	contentType := resp.ContentType
	if contentType == "" && resp.Kind == BodyStructured {
		contentType = "application/json"
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	_, err := w.Write(resp.Body)
	return err
}
