// Package api is the HTTP surface of a storage node. Storage errors are
// translated into distinguishable status codes so corruption is never
// reported as absence.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/pkg/cas"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/merkle"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderErasure carries "total,data" erasure parameters on uploads.
const HeaderErasure = "X-Svdb-Erasure"

const defaultMaxObjectBytes = 256 << 20

type Objects interface {
	StoreObject(ctx context.Context, data []byte, opts cas.StoreOptions) (cid.Cid, model.Manifest, error)
	ReadObject(ctx context.Context, id cid.Cid) ([]byte, error)
	Manifest(ctx context.Context, id cid.Cid) (model.Manifest, error)
	ShardHealth(ctx context.Context, id cid.Cid) (cas.Health, error)
	RepairObject(ctx context.Context, id cid.Cid) (cas.RepairResult, error)
	BranchProof(ctx context.Context, id cid.Cid, index int) (merkle.Proof, error)
}

type State interface {
	Verify(ctx context.Context) (bool, error)
	LastVerifiedRoot() (common.Hash, bool)
	Pending() []integrity.Target
}

type Config struct {
	Objects  Objects
	State    State
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// MaxObjectBytes bounds upload bodies.
	MaxObjectBytes int64
}

type Server struct {
	objects  Objects
	state    State
	log      *slog.Logger
	maxBytes int64
	router   http.Handler
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = defaultMaxObjectBytes
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		objects:  cfg.Objects,
		state:    cfg.State,
		log:      cfg.Logger.With("component", "api"),
		maxBytes: cfg.MaxObjectBytes,
	}
	s.router = s.buildRouter(cfg.Gatherer)
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Post("/objects", s.storeObject)
	r.Route("/objects/{cid}", func(o chi.Router) {
		o.Get("/", s.readObject)
		o.Get("/health", s.objectHealth)
		o.Post("/repair", s.repairObject)
		o.Get("/proof/{index}", s.branchProof)
	})
	r.Get("/manifests/{cid}", s.getManifest)
	r.Post("/state/verify", s.verifyState)
	r.Post("/proofs/verify", s.verifyTransition)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

// statusFor maps storage errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrIntegrityMismatch):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInsufficientShards):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrMalformedEncoding), errors.Is(err, storage.ErrUnsupportedCodec),
		errors.Is(err, erasure.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, integrity.ErrRepairCooldown):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func codeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "integrity_mismatch"
	case http.StatusServiceUnavailable:
		return "insufficient_shards"
	case http.StatusBadRequest:
		return "malformed"
	case http.StatusTooManyRequests:
		return "cooldown"
	default:
		return "storage_io"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: codeFor(status)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "error", err)
	}
}

func cidParam(r *http.Request) (cid.Cid, error) {
	return cid.ParseString(chi.URLParam(r, "cid"))
}

type storeResponse struct {
	Cid      cid.Cid        `json:"cid"`
	Manifest model.Manifest `json:"manifest"`
}

func (s *Server) storeObject(w http.ResponseWriter, r *http.Request) {
	var opts cas.StoreOptions
	if h := strings.TrimSpace(r.Header.Get(HeaderErasure)); h != "" {
		p, err := erasure.ParseParams(h)
		if err != nil {
			s.writeError(w, fmt.Errorf("%s: %w", HeaderErasure, err))
			return
		}
		opts.Params = p
	}
	q := r.URL.Query()
	if c := q.Get("codec"); c != "" {
		codec, err := cid.ParseCodec(c)
		if err != nil {
			s.writeError(w, err)
			return
		}
		opts.Codec = &codec
	}
	opts.Plain = q.Get("plain") == "true"
	if lic := q.Get("license"); lic != "" {
		opts.License = &lic
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.maxBytes {
		http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
		return
	}

	id, m, err := s.objects.StoreObject(r.Context(), body, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, storeResponse{Cid: id, Manifest: m})
}

func (s *Server) readObject(w http.ResponseWriter, r *http.Request) {
	id, err := cidParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := s.objects.ReadObject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	id, err := cidParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.objects.Manifest(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) objectHealth(w http.ResponseWriter, r *http.Request) {
	id, err := cidParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	h, err := s.objects.ShardHealth(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		cas.Health
		Degraded    bool `json:"degraded"`
		Recoverable bool `json:"recoverable"`
	}{h, h.Degraded(), h.Recoverable()})
}

func (s *Server) repairObject(w http.ResponseWriter, r *http.Request) {
	id, err := cidParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.objects.RepairObject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type proofResponse struct {
	LeafIndex uint64   `json:"leaf_index"`
	LeafHash  string   `json:"leaf_hash"`
	Path      []string `json:"path"`
	Root      string   `json:"root"`
	Encoded   string   `json:"encoded"`
}

func (s *Server) branchProof(w http.ResponseWriter, r *http.Request) {
	id, err := cidParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.writeError(w, fmt.Errorf("proof index %q: %w", chi.URLParam(r, "index"), storage.ErrMalformedEncoding))
		return
	}
	p, err := s.objects.BranchProof(r.Context(), id, index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := proofResponse{
		LeafIndex: p.LeafIndex,
		LeafHash:  hex.EncodeToString(p.LeafHash[:]),
		Root:      hex.EncodeToString(p.RootHash[:]),
		Encoded:   hex.EncodeToString(p.Encode()),
	}
	for _, sib := range p.Path {
		resp.Path = append(resp.Path, hex.EncodeToString(sib[:]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type verifyResponse struct {
	OK      bool   `json:"ok"`
	Root    string `json:"root,omitempty"`
	Pending int    `json:"pending"`
}

func (s *Server) verifyState(w http.ResponseWriter, r *http.Request) {
	ok, err := s.state.Verify(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := verifyResponse{OK: ok, Pending: len(s.state.Pending())}
	if root, found := s.state.LastVerifiedRoot(); found {
		resp.Root = root.Hex()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type transitionRequest struct {
	PrevRoot string `json:"prev_root"`
	NewRoot  string `json:"new_root"`
	Proof    string `json:"proof"`
}

func decodeHash(s string) (merkle.Hash, error) {
	var h merkle.Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != len(h) {
		return h, fmt.Errorf("root %q: %w", s, storage.ErrMalformedEncoding)
	}
	copy(h[:], raw)
	return h, nil
}

// verifyTransition checks a state transition proof; a proof that leaves
// the root unchanged is rejected.
func (s *Server) verifyTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("decode request: %v: %w", err, storage.ErrMalformedEncoding))
		return
	}
	prev, err := decodeHash(req.PrevRoot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	next, err := decodeHash(req.NewRoot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		s.writeError(w, fmt.Errorf("proof: %v: %w", err, storage.ErrMalformedEncoding))
		return
	}
	ok, err := merkle.VerifyProof(prev, next, proof)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}
