package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"capture-worker/constant"
	"capture-worker/dto"
	"capture-worker/entities"
	"capture-worker/repository"
	"capture-worker/service"
)

// Handler exposes the query, mutation, and diagnostics surfaces over HTTP.
type Handler struct {
	Store    repository.ChunkStore
	Batches  service.BatchService
	Timeline service.TimelineService
	Capture  service.CaptureService
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/chunks/unprocessed", h.getUnprocessedChunks)
	r.GET("/chunks/:id", h.getChunk)
	r.GET("/chunks", h.getChunksByRange)
	r.POST("/chunks/soft-delete", h.softDeleteChunks)

	r.POST("/batches", h.createBatch)
	r.GET("/batches", h.getBatchesByRange)
	r.GET("/batches/:id", h.getBatch)
	r.GET("/batches/:id/chunks", h.getBatchChunks)
	r.PATCH("/batches/:id/status", h.updateBatchStatus)
	r.GET("/batches/:id/llm-calls", h.getLLMCalls)
	r.POST("/batches/:id/llm-calls", h.appendLLMCall)

	r.GET("/timeline/cards", h.getTimelineCards)
	r.GET("/diagnostics", h.getDiagnostics)

	r.POST("/capture/start", h.startCapture)
	r.POST("/capture/stop", h.stopCapture)
	r.GET("/capture/state", h.getCaptureState)
}

func (h *Handler) getChunk(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	chunk, err := h.Store.GetChunkById(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chunk)
}

func (h *Handler) getChunksByRange(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		return
	}
	chunks, err := h.Store.GetChunksByTimeRange(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chunks)
}

func (h *Handler) getUnprocessedChunks(c *gin.Context) {
	chunks, err := h.Store.FetchUnprocessedChunks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chunks)
}

func (h *Handler) softDeleteChunks(c *gin.Context) {
	var req dto.SoftDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.Batches.Reprocess(c.Request.Context(), dto.ReprocessMessage{
		BatchId: req.BatchId,
		StartTs: req.StartTs,
		EndTs:   req.EndTs,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createBatch(c *gin.Context) {
	var req dto.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	batch, err := h.Batches.CreateBatch(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (h *Handler) getBatch(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	batch, err := h.Store.GetBatchById(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) getBatchesByRange(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		return
	}
	batches, err := h.Store.GetBatchesByTimeRange(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batches)
}

func (h *Handler) getBatchChunks(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	chunks, err := h.Store.GetBatchChunks(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chunks)
}

func (h *Handler) updateBatchStatus(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	var req dto.UpdateBatchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.Batches.UpdateStatus(c.Request.Context(), id, constant.BatchStatus(req.Status), req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getLLMCalls(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	calls, err := h.Store.GetLLMCallsByBatchId(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, calls)
}

func (h *Handler) appendLLMCall(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	var req dto.AppendLLMCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	call := &entities.LLMCall{
		BatchID:   id,
		Request:   req.Request,
		Response:  req.Response,
		CreatedAt: time.Now(),
	}
	if err := h.Store.AppendLLMCall(c.Request.Context(), call); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h *Handler) getTimelineCards(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		return
	}
	cards, err := h.Timeline.Cards(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cards)
}

func (h *Handler) getDiagnostics(c *gin.Context) {
	usage, err := h.Store.StorageUsage(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pool := h.Capture.Pool()
	controller := h.Capture.Controller()
	c.JSON(http.StatusOK, dto.DiagnosticsResponse{
		State:             h.Capture.State().String(),
		PoolSize:          pool.Size(),
		PoolMemoryBytes:   pool.EstimatedMemoryUsage(),
		BitrateMultiplier: controller.Multiplier(),
		StabilityScore:    controller.StabilityScore(),
		DatabaseBytes:     usage.DatabaseBytes,
		RecordingBytes:    usage.RecordingBytes,
		Durable:           h.Store.Durable(),
	})
}

func (h *Handler) startCapture(c *gin.Context) {
	h.Capture.Start()
	c.Status(http.StatusAccepted)
}

func (h *Handler) stopCapture(c *gin.Context) {
	h.Capture.Stop()
	c.Status(http.StatusAccepted)
}

func (h *Handler) getCaptureState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": h.Capture.State().String()})
}

func parseId(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func parseRange(c *gin.Context) (int64, int64, bool) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return 0, 0, false
	}
	to, err := strconv.ParseInt(c.DefaultQuery("to", strconv.FormatInt(time.Now().Unix(), 10)), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return 0, 0, false
	}
	return from, to, true
}
