package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/services/ingestion"
)

// Upload stores a statement file and queues its processing. The form carries
// the file plus companyId, accountId and an optional format name or id.
func (h *ReconciliationHandler) Upload(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	defer file.Close()

	companyID, err := uuid.Parse(c.PostForm("companyId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid companyId"})
		return
	}
	accountID, err := uuid.Parse(c.PostForm("accountId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid accountId"})
		return
	}
	content, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}

	res, err := h.ingestion.IngestStatement(c.Request.Context(), ingestion.UploadRequest{
		CompanyID:  companyID,
		AccountID:  accountID,
		Filename:   header.Filename,
		MimeType:   header.Header.Get("Content-Type"),
		Content:    content,
		UploadedBy: user,
		Format:     c.PostForm("format"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"statement_id": res.Statement.ID,
		"job_id":       res.Job.ID,
		"status":       res.Job.Status,
	})
}

func (h *ReconciliationHandler) GetJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	status, err := h.ingestion.GetJobStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ReconciliationHandler) CancelJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := h.ingestion.CancelJob(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled", "job": job})
}

func (h *ReconciliationHandler) Reprocess(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload struct {
		Format string `json:"format"`
	}
	if c.Request.ContentLength > 0 && !bind(c, &payload) {
		return
	}
	job, err := h.ingestion.ReprocessStatement(c.Request.Context(), id, payload.Format, user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "attempt": job.Attempt, "status": job.Status})
}

func (h *ReconciliationHandler) StatementStats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.reporter.StatementStats(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ReconciliationHandler) ListFormats(c *gin.Context) {
	list, err := h.formats.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

// CreateFormat stores a new version of a format configuration.
func (h *ReconciliationHandler) CreateFormat(c *gin.Context) {
	user, ok := actor(c)
	if !ok {
		return
	}
	var cfg models.FormatConfiguration
	if !bind(c, &cfg) {
		return
	}
	cfg.ID = uuid.Nil
	if err := h.formats.Create(c.Request.Context(), &cfg, user); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}
