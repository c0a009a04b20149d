package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"slotgrid/internal/lifecycle"
	"slotgrid/internal/registry"
	"slotgrid/internal/staging"
)

// publishSlot emits the matching lifecycle event for a registry mutation
// made through the API. The payload identifies the slot and, when the record
// is known, who put what there.
func (s *Server) publishSlot(addr registry.Address, verb string, rec *registry.SlotRecord) {
	types := map[string]string{
		"reserved":  lifecycle.EventSlotReserved,
		"committed": lifecycle.EventSlotCommitted,
		"locked":    lifecycle.EventSlotLocked,
		"unlocked":  lifecycle.EventSlotUnlocked,
		"evicted":   lifecycle.EventSlotEvicted,
	}
	typ, ok := types[verb]
	if !ok {
		return
	}
	payload := map[string]interface{}{"address": addr.String()}
	if eng, ok := registry.EngineByLetter(addr.Engine); ok {
		payload["language"] = eng.Language
	}
	if rec != nil {
		if rec.NodeLabel != "" {
			payload["label"] = rec.NodeLabel
		}
		if rec.Provenance.Origin != "" {
			payload["origin"] = string(rec.Provenance.Origin)
		}
		if rec.Provenance.Submitter != "" {
			payload["submitter"] = rec.Provenance.Submitter
		}
	}
	s.bus.Publish(typ, payload)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request: " + err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.reg.Snapshot()
	respondOK(c, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"total_capacity": snap.TotalCapacity,
		"total_occupied": snap.TotalOccupied,
	})
}

func (s *Server) handleMatrix(c *gin.Context) {
	respondOK(c, s.reg.Snapshot())
}

// handleMatrixEnriched overlays live pipeline and execution state on the
// registry snapshot.
func (s *Server) handleMatrixEnriched(c *gin.Context) {
	respondOK(c, gin.H{
		"matrix":        s.reg.Snapshot(),
		"in_flight":     s.disp.InFlight(),
		"staging":       s.pipe.Stats(),
		"bus":           s.bus.StatsSnapshot(),
		"active_tokens": s.reg.Tracker().ActiveCount(),
	})
}

type reserveRequest struct {
	Engine     string              `json:"engine,omitempty"`
	Language   string              `json:"language,omitempty"`
	TTLSeconds int                 `json:"ttl_seconds,omitempty"`
	Provenance registry.Provenance `json:"provenance"`
}

func (s *Server) handleReserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	letter := req.Engine
	if letter == "" && req.Language != "" {
		if eng, ok := registry.EngineByLanguage(req.Language); ok {
			letter = eng.Letter
		}
	}
	res, err := s.reg.Reserve(letter, req.Provenance, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	s.publishSlot(res.Address, "reserved", &registry.SlotRecord{Provenance: res.Provenance})
	respondOK(c, gin.H{
		"address":    res.Address.String(),
		"token":      res.Token,
		"expires_at": res.ExpiresAt,
		"provenance": res.Provenance,
	})
}

func (s *Server) parseAddress(c *gin.Context) (registry.Address, bool) {
	addr, err := registry.ParseAddress(c.Param("address"))
	if err != nil {
		respondError(c, err)
		return registry.Address{}, false
	}
	return addr, true
}

func (s *Server) handleSlotInfo(c *gin.Context) {
	addr, ok := s.parseAddress(c)
	if !ok {
		return
	}
	info, err := s.reg.Info(addr)
	if err != nil {
		respondError(c, err)
		return
	}
	view := gin.H{
		"address":  addr.String(),
		"engine":   info.Engine.Letter,
		"language": info.Engine.Language,
		"record":   info.Record,
	}
	if info.Reservation != nil {
		view["reservation"] = gin.H{
			"token":             info.Reservation.Token,
			"provenance":        info.Reservation.Provenance,
			"expires_at":        info.Reservation.ExpiresAt,
			"remaining_seconds": int(info.Reservation.Remaining(time.Now()).Seconds()),
		}
	}
	respondOK(c, view)
}

func (s *Server) handleSlotLock(c *gin.Context) {
	addr, ok := s.parseAddress(c)
	if !ok {
		return
	}
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := s.reg.Lock(addr, req.By, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	s.publishSlot(addr, "locked", &rec)
	respondOK(c, rec)
}

type commitRequest struct {
	Token      string              `json:"token"`
	NodeID     string              `json:"node_id"`
	NodeLabel  string              `json:"node_label,omitempty"`
	Version    int                 `json:"version,omitempty"`
	Provenance registry.Provenance `json:"provenance"`
}

// handleSlotCommit installs a ledger node into a slot, consuming the
// reservation named by the token. Version 0 means the node's latest.
func (s *Server) handleSlotCommit(c *gin.Context) {
	addr, ok := s.parseAddress(c)
	if !ok {
		return
	}
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.NodeID == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "node_id is required"})
		return
	}
	prov := req.Provenance
	if req.Token != "" {
		prov.Token = req.Token
	}

	ctx := c.Request.Context()
	version := req.Version
	if version == 0 {
		ns, err := s.led.GetNodeSource(ctx, req.NodeID)
		if err != nil {
			respondError(c, err)
			return
		}
		version = ns.Version
	} else if _, err := s.led.GetNodeVersion(ctx, req.NodeID, version); err != nil {
		respondError(c, err)
		return
	}

	rec, err := s.reg.Commit(addr, req.NodeID, req.NodeLabel, version, prov)
	if err != nil {
		respondError(c, err)
		return
	}
	s.publishSlot(addr, "committed", &rec)
	respondOK(c, rec)
}

func (s *Server) handleSlotUnlock(c *gin.Context) {
	addr, ok := s.parseAddress(c)
	if !ok {
		return
	}
	info, _ := s.reg.Info(addr)
	was, err := s.reg.Unlock(addr)
	if err != nil {
		respondError(c, err)
		return
	}
	if was {
		s.publishSlot(addr, "unlocked", info.Record)
	}
	respondOK(c, gin.H{"address": addr.String(), "was_locked": was})
}

func (s *Server) handleSlotEvict(c *gin.Context) {
	addr, ok := s.parseAddress(c)
	if !ok {
		return
	}
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		badRequest(c, err)
		return
	}
	rec, err := s.reg.Evict(addr, force)
	if err != nil {
		respondError(c, err)
		return
	}
	s.publishSlot(addr, "evicted", &rec)
	respondOK(c, gin.H{"address": addr.String(), "evicted": rec})
}

func (s *Server) handleSlotRun(c *gin.Context) {
	addr, ok := s.parseAddress(c)
	if !ok {
		return
	}
	res, err := s.disp.RunSlot(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	if s.mets != nil {
		s.mets.ObserveExecution(res.Language, string(res.Status), res.Duration)
	}
	respondOK(c, res)
}

func (s *Server) handleStagingSubmit(c *gin.Context) {
	var req staging.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sn, err := s.pipe.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sn)
}

func (s *Server) handleStagingApprove(c *gin.Context) {
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	_ = c.ShouldBindJSON(&req)
	sn, err := s.pipe.Approve(c.Param("id"), req.Reviewer)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sn)
}

func (s *Server) handleStagingReject(c *gin.Context) {
	var req struct {
		Reviewer string `json:"reviewer"`
		Reason   string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	sn, err := s.pipe.Reject(c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sn)
}

func (s *Server) handleStagingPromote(c *gin.Context) {
	sn, err := s.pipe.Promote(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sn)
}

func (s *Server) handleStagingRollback(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	sn, err := s.pipe.Rollback(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sn)
}

func (s *Server) handleStagingGet(c *gin.Context) {
	sn, err := s.pipe.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sn)
}

func (s *Server) handleStagingList(c *gin.Context) {
	respondOK(c, s.pipe.List())
}

func (s *Server) handleStagingSummary(c *gin.Context) {
	respondOK(c, s.pipe.Stats())
}

func (s *Server) handleStagingAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.pipe.AuditTail(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, events)
}

func (s *Server) handleRunAllSlots(c *gin.Context) {
	var req struct {
		Engines     []string `json:"engines,omitempty"`
		ResetBefore bool     `json:"reset_before,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)
	report := s.disp.RunAllSlots(c.Request.Context(), req.ResetBefore, req.Engines...)
	if s.mets != nil {
		for _, res := range report.Results {
			s.mets.ObserveExecution(res.Language, string(res.Status), res.Duration)
		}
	}
	respondOK(c, report)
}

func (s *Server) handleRunEngineCombined(c *gin.Context) {
	res, err := s.disp.RunEngineCombined(c.Request.Context(), c.Param("letter"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, res)
}

func (s *Server) handleNodeSource(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if vq := c.Query("version"); vq != "" {
		version, err := strconv.Atoi(vq)
		if err != nil {
			badRequest(c, err)
			return
		}
		ns, err := s.led.GetNodeVersion(ctx, id, version)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, ns)
		return
	}
	ns, err := s.led.GetNodeSource(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ns)
}

func (s *Server) handleNodeVersions(c *gin.Context) {
	versions, err := s.led.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, versions)
}

func (s *Server) handleNodeExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	execs, err := s.led.ListExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, execs)
}
