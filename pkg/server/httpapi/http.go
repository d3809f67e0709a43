// Package httpapi serves public records from a client over a read-only
// HTTP+JSON API.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/xorstore/pkg/address"
	"github.com/jacktea/xorstore/pkg/archive"
	"github.com/jacktea/xorstore/pkg/client"
	"github.com/jacktea/xorstore/pkg/server/middleware"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// Server exposes a client's public data.
type Server struct {
	Client *client.Client
	Log    logrus.FieldLogger
	Opts   Options
}

// Options configure auth, pagination, rate limiting and metrics.
type Options struct {
	APIKey          string
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().WithField("addr", addr).Info("gateway listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/chunks/", s.handleChunk)
	mux.HandleFunc("/data/", s.handleData)
	mux.HandleFunc("/archives/", s.handleArchive)
	mux.HandleFunc("/pointers/", s.handlePointer)
	mux.HandleFunc("/scratchpads/", s.handleScratchpad)
	mux.HandleFunc("/registers/", s.handleRegister)
	if s.Opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return middleware.Wrap(mux,
		middleware.RequestLog(s.logger()),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func readOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	addr, err := address.ParseChunkAddress(strings.TrimPrefix(r.URL.Path, "/chunks/"))
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "httpapi.chunk", r.URL.Path, err))
		return
	}
	ch, err := s.Client.ChunkGet(r.Context(), addr)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	serveBytes(w, r, ch.Data)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	addr, err := address.ParseDataAddress(strings.TrimPrefix(r.URL.Path, "/data/"))
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "httpapi.data", r.URL.Path, err))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	s.serveData(w, r, addr)
}

// handleArchive lists a public archive at /archives/{addr} and serves one
// of its files at /archives/{addr}/{path}.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/archives/")
	ref, filePath, _ := strings.Cut(rest, "/")
	addr, err := address.ParseDataAddress(ref)
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "httpapi.archive", r.URL.Path, err))
		return
	}
	a, err := s.Client.ArchiveGetPublic(r.Context(), addr)
	if err != nil {
		httpError(w, err)
		return
	}
	if filePath == "" {
		s.listArchive(w, r, a)
		return
	}
	f, ok := a.Lookup(filePath)
	if !ok {
		httpError(w, xerrors.E(xerrors.KindMissingPath, "httpapi.archive", filePath))
		return
	}
	if f.Metadata.Modified > 0 {
		w.Header().Set("Last-Modified", time.Unix(int64(f.Metadata.Modified), 0).UTC().Format(http.TimeFormat))
	}
	s.serveData(w, r, f.Ref)
}

// serveData streams public data in chunk order. Range requests need the
// whole payload and are served from memory.
func (s *Server) serveData(w http.ResponseWriter, r *http.Request, addr address.DataAddress) {
	if r.Header.Get("Range") != "" {
		data, err := s.Client.DataGetPublic(r.Context(), addr)
		if err != nil {
			httpError(w, err)
			return
		}
		serveBytes(w, r, data)
		return
	}
	ds, err := s.Client.DataOpenPublic(r.Context(), addr)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatUint(ds.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	// Headers are gone; a failed stream can only be cut short.
	if _, err := ds.Stream(r.Context(), w); err != nil {
		s.logger().WithError(err).WithField("address", addr.Hex()).Warn("data stream aborted")
	}
}

type archiveEntry struct {
	Path     string `json:"path"`
	Address  string `json:"address"`
	Size     uint64 `json:"size"`
	Created  uint64 `json:"created,omitempty"`
	Modified uint64 `json:"modified,omitempty"`
	Extra    string `json:"extra,omitempty"`
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request, a *archive.PublicArchive) {
	limit, token := s.listingParams(r)
	files := a.Files()
	start := sort.Search(len(files), func(i int) bool { return files[i].Path > token })
	entries := make([]archiveEntry, 0, limit)
	var next string
	for i := start; i < len(files); i++ {
		if len(entries) == limit {
			next = entries[limit-1].Path
			break
		}
		f := files[i]
		e := archiveEntry{
			Path:     f.Path,
			Address:  f.Ref.Hex(),
			Size:     f.Metadata.Size,
			Created:  f.Metadata.Created,
			Modified: f.Metadata.Modified,
		}
		if f.Metadata.Extra != nil {
			e.Extra = *f.Metadata.Extra
		}
		entries = append(entries, e)
	}
	writeJSON(w, struct {
		Entries       []archiveEntry `json:"entries"`
		NextPageToken string         `json:"next_page_token,omitempty"`
	}{Entries: entries, NextPageToken: next})
}

func (s *Server) handlePointer(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	owner, err := address.ParseOwner(strings.TrimPrefix(r.URL.Path, "/pointers/"))
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "httpapi.pointer", r.URL.Path, err))
		return
	}
	p, err := s.Client.PointerGet(r.Context(), address.PointerAddress{Owner: owner})
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, struct {
		Owner   string `json:"owner"`
		Counter uint32 `json:"counter"`
		Target  string `json:"target"`
	}{Owner: p.Owner.Hex(), Counter: p.Counter, Target: address.FormatTarget(p.Target)})
}

// handleScratchpad reports scratchpad metadata; the payload is encrypted to
// its owner and is served as opaque bytes only when ?raw is set.
func (s *Server) handleScratchpad(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	owner, err := address.ParseOwner(strings.TrimPrefix(r.URL.Path, "/scratchpads/"))
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "httpapi.scratchpad", r.URL.Path, err))
		return
	}
	sp, err := s.Client.ScratchpadGetFromPublicKey(r.Context(), owner)
	if err != nil {
		httpError(w, err)
		return
	}
	if _, raw := r.URL.Query()["raw"]; raw {
		serveBytes(w, r, sp.EncryptedData)
		return
	}
	writeJSON(w, struct {
		Owner        string `json:"owner"`
		Counter      uint64 `json:"counter"`
		DataEncoding uint64 `json:"data_encoding"`
		Size         int    `json:"size"`
	}{Owner: sp.Owner.Hex(), Counter: sp.Counter, DataEncoding: sp.DataEncoding, Size: len(sp.EncryptedData)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	owner, err := address.ParseOwner(strings.TrimPrefix(r.URL.Path, "/registers/"))
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "httpapi.register", r.URL.Path, err))
		return
	}
	addr := address.RegisterAddress{Owner: owner}
	if _, ok := r.URL.Query()["history"]; ok {
		values, err := s.Client.RegisterHistory(addr).Collect(r.Context())
		if err != nil {
			httpError(w, err)
			return
		}
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = hex.EncodeToString(v)
		}
		writeJSON(w, struct {
			Values []string `json:"values"`
		}{out})
		return
	}
	v, err := s.Client.RegisterGet(r.Context(), addr)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, struct {
		Value string `json:"value"`
	}{hex.EncodeToString(v)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// serveBytes writes data honouring a single-range Range header.
func serveBytes(w http.ResponseWriter, r *http.Request, data []byte) {
	size := int64(len(data))
	w.Header().Set("Accept-Ranges", "bytes")
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err := parseRangeHeader(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			w.Write(data[start : end+1])
		}
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindMissingPath:
		status = http.StatusNotFound
	case xerrors.KindInvalid, xerrors.KindInvalidSignature:
		status = http.StatusBadRequest
	case xerrors.KindAlreadyExists, xerrors.KindStaleWrite, xerrors.KindDuplicatePath:
		status = http.StatusConflict
	case xerrors.KindPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case xerrors.KindPayment:
		status = http.StatusPaymentRequired
	case xerrors.KindIncompleteDataMap, xerrors.KindCorruptChunk:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("resource empty")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(rangeSpec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	first, last, ok := strings.Cut(rangeSpec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(strings.TrimSpace(last), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, fmt.Errorf("start beyond size")
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("start greater than end")
	}
	return start, end, nil
}

func (s *Server) listingParams(r *http.Request) (limit int, token string) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit, r.URL.Query().Get("page_token")
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}
