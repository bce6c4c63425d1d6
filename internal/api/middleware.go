package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alicelabs/orchestrator/internal/core"
)

const (
	signatureSkew   = 300 * time.Second
	replayRetention = 10 * time.Minute
	idemRetention   = 10 * time.Minute
)

// recoverMiddleware turns a handler panic into a sanitized 500. The panic
// value never reaches the client.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("⚠️ panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, core.ErrClassInternal, "internt fel", "", 0)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware bounds request bodies before any decoding happens.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.cfg.Current().Server.MaxBodyBytes
		if maxBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the bearer token and, when a secret is configured,
// an HMAC-SHA256 body signature with a bounded timestamp and replay cache.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := s.cfg.Current().Auth

		if auth.BearerToken != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") ||
				!hmac.Equal([]byte(strings.TrimPrefix(header, "Bearer ")), []byte(auth.BearerToken)) {
				writeError(w, core.ErrClassAuth, "ogiltig token", "", 0)
				return
			}
		}

		if auth.HMACSecret != "" && r.Method == http.MethodPost {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, core.ErrClassValidation, "kunde inte läsa begäran", "", 0)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !s.verifySignature(auth.HMACSecret, body, r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature")) {
				writeError(w, core.ErrClassAuth, "ogiltig signatur", "", 0)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifySignature(secret string, body []byte, tsHeader, sigHeader string) bool {
	if tsHeader == "" || sigHeader == "" {
		return false
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if ts < now-int64(signatureSkew.Seconds()) || ts > now+int64(signatureSkew.Seconds()) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigHeader)) {
		return false
	}

	// A valid signature may pass exactly once inside the skew window.
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	cutoff := time.Now().Add(-replayRetention)
	for sig, seen := range s.replaySeen {
		if seen.Before(cutoff) {
			delete(s.replaySeen, sig)
		}
	}
	if _, dup := s.replaySeen[sigHeader]; dup {
		return false
	}
	s.replaySeen[sigHeader] = time.Now()
	return true
}

// rateLimitMiddleware enforces the per-session request rate. The limiter key
// is the session header, falling back to the remote address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Session-ID")
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiterFor(key).Allow() {
			writeError(w, core.ErrClassRateLimited, "för många förfrågningar", "", 60)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	lim, ok := s.limiters[key]
	if !ok {
		perMin := s.cfg.Current().Server.SessionRatePerMin
		if perMin <= 0 {
			perMin = 10
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		if len(s.limiters) > 8192 {
			s.limiters = make(map[string]*rate.Limiter)
		}
		s.limiters[key] = lim
	}
	return lim
}

// storedResponse is a replayed idempotent answer.
type storedResponse struct {
	header http.Header
	status int
	body   []byte
	at     time.Time
}

type idemStore struct {
	mu      sync.Mutex
	entries map[string]storedResponse
}

func newIdemStore() *idemStore {
	return &idemStore{entries: make(map[string]storedResponse)}
}

func (st *idemStore) get(key string) (storedResponse, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := time.Now().Add(-idemRetention)
	for k, e := range st.entries {
		if e.at.Before(cutoff) {
			delete(st.entries, k)
		}
	}
	e, ok := st.entries[key]
	return e, ok
}

func (st *idemStore) put(key string, resp storedResponse) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.entries[key] = resp
}

// bufferWriter buffers a handler's full response, headers included, so it
// can be stored and replayed byte-identically.
type bufferWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newBufferWriter() *bufferWriter {
	return &bufferWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferWriter) Header() http.Header         { return b.header }
func (b *bufferWriter) WriteHeader(status int)      { b.status = status }
func (b *bufferWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

// idemFlight is the shared outcome of one coalesced handler run. The first
// writer claims the original; everyone else replays.
type idemFlight struct {
	resp    storedResponse
	claimed atomic.Bool
}

// idempotencyMiddleware guarantees one handler execution per
// Idempotency-Key: concurrent holders coalesce on a single in-flight run,
// later arrivals replay from the store.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		if stored, ok := s.idem.get(key); ok {
			writeStored(w, stored, true)
			return
		}

		v, _, _ := s.idemFlight.Do(key, func() (interface{}, error) {
			// A flight may have finished and been forgotten between the store
			// check above and entering Do.
			if stored, ok := s.idem.get(key); ok {
				fl := &idemFlight{resp: stored}
				fl.claimed.Store(true)
				return fl, nil
			}
			bw := newBufferWriter()
			next.ServeHTTP(bw, r)
			resp := storedResponse{header: bw.header, status: bw.status, body: bw.buf.Bytes(), at: time.Now()}
			s.idem.put(key, resp)
			return &idemFlight{resp: resp}, nil
		})

		fl := v.(*idemFlight)
		replay := !fl.claimed.CompareAndSwap(false, true)
		writeStored(w, fl.resp, replay)
	})
}

func writeStored(w http.ResponseWriter, resp storedResponse, replay bool) {
	for k, vals := range resp.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if replay {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}
