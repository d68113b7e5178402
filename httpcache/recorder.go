package httpcache

import (
	"bytes"
	"net/http"
	"time"

	"github.com/unkn0wn-root/clinicache/internal/util"
)

// storedHeaders are the response headers worth reconstructing on a hit.
// Hop-by-hop and connection-level headers stay out of the cache.
var storedHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Content-Disposition",
	"Last-Modified",
	"Vary",
}

// recorder captures the downstream handler's response so it can be cached
// and, when the response turns out uncacheable, replayed to the client.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

var _ http.ResponseWriter = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

// entry converts the recording into a cacheable entry. The ETag is a strong
// validator over the body bytes.
func (r *recorder) entry(ttl time.Duration) entry {
	h := make(http.Header, len(storedHeaders))
	for _, name := range storedHeaders {
		if vals := r.header.Values(name); len(vals) > 0 {
			h[name] = append([]string(nil), vals...)
		}
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return entry{
		Status:   status,
		Header:   h,
		Body:     append([]byte(nil), r.body.Bytes()...),
		ETag:     `"` + util.ShortHash(r.body.String()) + `"`,
		CachedAt: time.Now().Unix(),
		TTLSecs:  int64(ttl / time.Second),
	}
}

// replay writes the recorded response through unchanged.
func (r *recorder) replay(w http.ResponseWriter) {
	h := w.Header()
	for k, vals := range r.header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("X-Cache", "MISS")
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(r.body.Bytes())
}
