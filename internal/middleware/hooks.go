package middleware

import (
	"net/http"
	"sync"
)

// commitWriter runs a hook once, right before the response header is
// written, so the hook can still add headers such as Set-Cookie.
type commitWriter struct {
	http.ResponseWriter
	once   sync.Once
	before func()
}

func newCommitWriter(w http.ResponseWriter, before func()) *commitWriter {
	return &commitWriter{ResponseWriter: w, before: before}
}

func (w *commitWriter) commit() {
	w.once.Do(w.before)
}

func (w *commitWriter) WriteHeader(code int) {
	w.commit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) Flush() {
	w.commit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *commitWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
