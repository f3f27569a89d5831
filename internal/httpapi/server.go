// Package httpapi exposes a board.Engine over the REST/JSON surface
// documented for interop in SPEC_FULL.md §5, using gorilla/mux for routing
// and gorilla/websocket for a live-tail publication feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/kindlyrobotics/boardkeeper/internal/board"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// envelope is the wire format mandated by spec §6: every response is either
// {"Ok": <value>} or {"Err": <message>}, never a bare value and never a
// bare error string.
type envelope struct {
	Ok  interface{} `json:"Ok,omitempty"`
	Err string      `json:"Err,omitempty"`
}

func writeOk(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	// Encoded as a map so a nil value still yields {"Ok": null} instead of
	// being dropped by envelope's omitempty.
	json.NewEncoder(w).Encode(map[string]interface{}{"Ok": value})
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Err: err.Error()})
}

func statusFor(err error) int {
	switch {
	case board.IsKind(err, board.KindUnknownHash):
		return http.StatusNotFound
	case board.IsKind(err, board.KindNothingToPublish):
		return http.StatusConflict
	case board.IsKind(err, board.KindHashCollision):
		return http.StatusConflict
	case board.IsKind(err, board.KindInvariantViolation):
		return http.StatusInternalServerError
	case board.IsKind(err, board.KindBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Archiver is invoked after every successful publication. It is satisfied
// by *archive.Archiver; declared narrowly here so Server does not need to
// import the archive package's S3/encryption concerns directly, the same
// way Engine depends on board.Backend rather than a concrete store.
type Archiver interface {
	Archive(ctx context.Context) error
}

// Server wires a board.Engine to HTTP. It also fans out a notification to
// every connected /watch websocket client whenever a new root is published.
type Server struct {
	engine   *board.Engine
	lease    *PublishLease
	archiver Archiver

	mu       sync.Mutex
	watchers map[*websocket.Conn]struct{}
}

// NewServer constructs an httpapi.Server over an already-initialized Engine.
// lease may be nil, in which case publication is not coordinated across
// processes (fine for a single operator process).
func NewServer(engine *board.Engine, lease *PublishLease) *Server {
	return &Server{
		engine:   engine,
		lease:    lease,
		watchers: make(map[*websocket.Conn]struct{}),
	}
}

// SetArchiver attaches an Archiver that exports and uploads a snapshot after
// every publication. Archival is best-effort: a failure is logged but never
// fails the publication response, since the engine has already committed.
func (s *Server) SetArchiver(a Archiver) {
	s.archiver = a
}

// Router builds the mux.Router exposing every board operation.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/submit_leaf", s.handleSubmitLeaf).Methods("POST")
	r.HandleFunc("/request_new_published_root", s.handleRequestNewPublishedRoot).Methods("POST")
	r.HandleFunc("/get_pending_hash_values", s.handleGetPendingHashValues).Methods("GET")
	r.HandleFunc("/get_most_recent_published_root", s.handleGetMostRecentPublishedRoot).Methods("GET")
	r.HandleFunc("/get_hash_info/{hash}", s.handleGetHashInfo).Methods("GET")
	r.HandleFunc("/get_proof_chain/{hash}", s.handleGetProofChain).Methods("GET")
	r.HandleFunc("/get_merkle_proof/{hash}", s.handleGetMerkleProof).Methods("GET")
	r.HandleFunc("/get_signed_root/{hash}", s.handleGetSignedRoot).Methods("GET")
	r.HandleFunc("/censor_leaf/{hash}", s.handleCensorLeaf).Methods("POST")
	r.HandleFunc("/get_all_published_roots", s.handleGetAllPublishedRoots).Methods("GET")
	r.HandleFunc("/watch", s.handleWatch).Methods("GET")

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOk(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitLeaf(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	hash, err := s.engine.SubmitLeaf(r.Context(), data)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, map[string]string{"hash": hash.String()})
}

func (s *Server) handleRequestNewPublishedRoot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.lease != nil {
		acquired, err := s.lease.Acquire(ctx)
		if err != nil {
			writeErr(w, http.StatusServiceUnavailable, err)
			return
		}
		if !acquired {
			writeErr(w, http.StatusConflict, errors.New("another operator is currently publishing"))
			return
		}
		defer s.lease.Release(ctx)
	}

	hash, err := s.engine.RequestNewPublishedRoot(ctx)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	writeOk(w, map[string]string{"hash": hash.String()})
	s.broadcast(hash)

	if s.archiver != nil {
		go func() {
			if err := s.archiver.Archive(context.Background()); err != nil {
				log.Printf("[WARN] Board: post-publication archive failed: %v", err)
			}
		}()
	}
}

func (s *Server) handleGetPendingHashValues(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.engine.GetPendingHashValues(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, hashStrings(hashes))
}

func (s *Server) handleGetMostRecentPublishedRoot(w http.ResponseWriter, r *http.Request) {
	hash, err := s.engine.GetMostRecentPublishedRoot(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if hash == nil {
		writeOk(w, nil)
		return
	}
	writeOk(w, map[string]string{"hash": hash.String()})
}

func (s *Server) handleGetHashInfo(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHashParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	info, err := s.engine.GetHashInfo(r.Context(), hash)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, nodeJSON(info.Source))
}

func (s *Server) handleGetProofChain(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHashParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	chain, err := s.engine.GetProofChain(r.Context(), hash)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, proofChainJSON(chain))
}

func (s *Server) handleGetMerkleProof(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHashParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	proof, err := s.engine.GetMerkleProof(r.Context(), hash)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, merkleProofJSON(proof))
}

// handleGetSignedRoot serves the signature persisted for a published root,
// if one was produced (a Signer was configured at the time of publication).
// A root that exists but was never signed answers with Ok: null rather than
// an error.
func (s *Server) handleGetSignedRoot(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHashParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	sig, err := s.engine.GetSignedRoot(r.Context(), hash)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if sig == nil {
		writeOk(w, nil)
		return
	}
	writeOk(w, signedRootJSON(sig))
}

func (s *Server) handleCensorLeaf(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHashParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CensorLeaf(r.Context(), hash); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, map[string]string{"hash": hash.String()})
}

func (s *Server) handleGetAllPublishedRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.engine.GetAllPublishedRoots(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOk(w, hashStrings(roots))
}

// handleWatch upgrades to a websocket and pushes one message per newly
// published root, for a client that wants to follow publication live
// instead of polling get_most_recent_published_root.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] Board: websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.watchers[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard any client messages; this endpoint is server-push
	// only, but we must keep reading or the connection's read deadline
	// handling in gorilla/websocket will never notice a client close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(root board.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := envelope{Ok: map[string]string{"published_root": root.String()}}
	for conn := range s.watchers {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[WARN] Board: watch broadcast failed, dropping client: %v", err)
			conn.Close()
			delete(s.watchers, conn)
		}
	}
}

func parseHashParam(r *http.Request) (board.Hash, error) {
	return board.ParseHash(mux.Vars(r)["hash"])
}

func hashStrings(hashes []board.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out
}

// PublishLease is a Redis SETNX-based mutual-exclusion lease preventing two
// operator processes from calling RequestNewPublishedRoot concurrently
// against the same backend.
type PublishLease struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
	token string
}

// NewPublishLease builds a lease bound to key on the given Redis client.
func NewPublishLease(client *redis.Client, key string, ttl time.Duration, token string) *PublishLease {
	return &PublishLease{redis: client, key: key, ttl: ttl, token: token}
}

// Acquire attempts to take the lease, returning false if another process
// currently holds it.
func (l *PublishLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lease if this process still holds it.
func (l *PublishLease) Release(ctx context.Context) {
	val, err := l.redis.Get(ctx, l.key).Result()
	if err != nil {
		return
	}
	if val == l.token {
		l.redis.Del(ctx, l.key)
	}
}
