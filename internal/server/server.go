// Package server exposes the writer and reader HTTP surface. Writes take
// the exclusive lock pair for the scope of one document; reads take shared
// locks for the scope of one query. The consolidator is a separate process
// coordinated through the same lock files.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/lock"
	"github.com/agenthands/loom/internal/resolver"
	"github.com/agenthands/loom/internal/schema"
	"github.com/agenthands/loom/internal/store"
)

type Server struct {
	store    *store.Store
	resolver *resolver.Resolver
	locks    *lock.Coordinator
	cfg      *config.Config
	logger   *zap.Logger
}

func New(s *store.Store, r *resolver.Resolver, locks *lock.Coordinator, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: s, resolver: r, locks: locks, cfg: cfg, logger: logger.Named("server")}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.POST("/documents", s.IngestDocument)
	r.POST("/resolve", s.ResolveEntity)
	r.GET("/nodes/:id", s.GetNode)
	r.GET("/search", s.Search)
	r.GET("/stats", s.Stats)

	return r
}

func (s *Server) lockTimeout() time.Duration {
	return time.Duration(s.cfg.Consolidation.LockTimeoutSeconds) * time.Second
}

type IngestEntity struct {
	Name    string `json:"name" binding:"required"`
	Type    string `json:"type" binding:"required"`
	Context string `json:"context"`
}

type IngestRelation struct {
	Source   string `json:"source" binding:"required"`
	Target   string `json:"target" binding:"required"`
	EdgeType string `json:"edge_type" binding:"required"`
}

type IngestDocumentRequest struct {
	Origin    string           `json:"origin" binding:"required"`
	Entities  []IngestEntity   `json:"entities"`
	Relations []IngestRelation `json:"relations"`
}

// IngestDocument is the real-time writer path: every mention passes
// through the resolver gatekeeper, then nodes and edges are written under
// one exclusive lock scope covering the whole document.
func (s *Server) IngestDocument(c *gin.Context) {
	var req IngestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	graphLease, vectorLease, err := s.locks.AcquireBoth(true, s.lockTimeout())
	if err != nil {
		s.logger.Error("ingest lock acquisition failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph is busy, retry later"})
		return
	}
	defer graphLease.Release()
	defer vectorLease.Release()

	resolved := make(map[string]string, len(req.Entities)) // mention name -> node id
	var resolutions []resolver.Resolution

	for _, ent := range req.Entities {
		res, err := s.resolver.Resolve(ent.Name, ent.Type, ent.Context)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if res.Action == resolver.ActionCreate {
			if err := s.writeNewNode(ent, req.Origin); err != nil {
				s.respondWriteError(c, err)
				return
			}
		} else {
			if err := s.appendEvidence(res.NodeID, ent.Context, req.Origin); err != nil {
				s.respondWriteError(c, err)
				return
			}
		}
		resolved[ent.Name] = res.NodeID
		resolutions = append(resolutions, *res)
	}

	for _, rel := range req.Relations {
		srcID, ok := resolved[rel.Source]
		if !ok {
			srcID = rel.Source
		}
		dstID, ok := resolved[rel.Target]
		if !ok {
			dstID = rel.Target
		}
		if err := s.store.UpsertEdge(srcID, dstID, rel.EdgeType, nil); err != nil {
			s.respondWriteError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"resolutions": resolutions})
}

func (s *Server) writeNewNode(ent IngestEntity, origin string) error {
	props := map[string]interface{}{}
	if ent.Context != "" {
		props[store.ContextKey] = []interface{}{
			map[string]interface{}{"text": ent.Context, "origin": origin},
		}
	}
	return s.store.UpsertNode(ent.Name, ent.Type, nil, props, s.cfg.Resolver.InitialConfidence)
}

// appendEvidence adds the new context fragment to an existing node and
// nudges its confidence up: a corroborated identity grows more trusted.
func (s *Server) appendEvidence(nodeID, context, origin string) error {
	if context == "" {
		return s.store.BumpConfidence(nodeID, s.cfg.Consolidation.ConfidenceWeight)
	}
	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	frags := append(node.Fragments(), store.Fragment{Text: context, Origin: origin})
	if err := s.store.SetFragments(nodeID, frags); err != nil {
		return err
	}
	return s.store.BumpConfidence(nodeID, s.cfg.Consolidation.ConfidenceWeight)
}

func (s *Server) respondWriteError(c *gin.Context, err error) {
	s.logger.Warn("write rejected", zap.Error(err))
	var verr *schema.ViolationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

type ResolveRequest struct {
	Name    string `json:"name" binding:"required"`
	Type    string `json:"type"`
	Context string `json:"context"`
}

// ResolveEntity answers LINK/CREATE without writing anything.
func (s *Server) ResolveEntity(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	graphLease, vectorLease, err := s.locks.AcquireBoth(false, s.lockTimeout())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph is busy, retry later"})
		return
	}
	defer graphLease.Release()
	defer vectorLease.Release()

	res, err := s.resolver.Resolve(req.Name, req.Type, req.Context)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) GetNode(c *gin.Context) {
	graphLease, vectorLease, err := s.locks.AcquireBoth(false, s.lockTimeout())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph is busy, retry later"})
		return
	}
	defer graphLease.Release()
	defer vectorLease.Release()

	id := c.Param("id")
	node, err := s.store.GetNode(id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out, err := s.store.GetEdgesFrom(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	in, err := s.store.GetEdgesTo(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node, "edges_out": out, "edges_in": in})
}

func (s *Server) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter 'q'"})
		return
	}

	graphLease, vectorLease, err := s.locks.AcquireBoth(false, s.lockTimeout())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph is busy, retry later"})
		return
	}
	defer graphLease.Release()
	defer vectorLease.Release()

	candidates, err := s.store.FindFuzzy(query, c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type hit struct {
		Node    *store.Node `json:"node"`
		Score   float64     `json:"score"`
		Matched string      `json:"matched"`
	}
	hits := make([]hit, len(candidates))
	for i, cand := range candidates {
		hits[i] = hit{Node: cand.Node, Score: cand.Score, Matched: cand.Matched}
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

func (s *Server) Stats(c *gin.Context) {
	graphLease, vectorLease, err := s.locks.AcquireBoth(false, s.lockTimeout())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph is busy, retry later"})
		return
	}
	defer graphLease.Release()
	defer vectorLease.Release()

	stats, err := s.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
