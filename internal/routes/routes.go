package routes

import (
	"github.com/gin-gonic/gin"

	handler "bank-reconciliation-backend/internal/handlers"
)

func RegisterRoutes(r *gin.Engine, h *handler.ReconciliationHandler) {
	api := r.Group("/api")

	// Health check
	api.GET("/health", h.Health)

	// Statement ingestion
	statements := api.Group("/statements")
	statements.POST("/upload", h.Upload)
	statements.POST("/:id/reprocess", h.Reprocess)
	statements.GET("/:id/stats", h.StatementStats)

	jobs := api.Group("/jobs")
	jobs.GET("/:id", h.GetJob)
	jobs.POST("/:id/cancel", h.CancelJob)

	formats := api.Group("/formats")
	formats.GET("", h.ListFormats)
	formats.POST("", h.CreateFormat)

	// Company-level reconciliation
	company := api.Group("/companies/:companyId")
	company.POST("/matching/run", h.RunMatching)
	company.GET("/unmatched/transactions", h.UnmatchedTransactions)
	company.GET("/unmatched/expenses", h.UnmatchedExpenses)
	company.GET("/expenses/search", h.SearchExpenses)
	company.GET("/report", h.Report)

	// Match review
	matches := api.Group("/matches")
	matches.GET("/:id", h.GetMatch)
	matches.POST("/:id/approve", h.ApproveMatch)
	matches.POST("/:id/reject", h.RejectMatch)
	matches.POST("/:id/delegate", h.DelegateMatch)
	matches.POST("/:id/accept", h.AcceptMatch)

	// Transaction-level routes
	tx := api.Group("/transactions")
	tx.POST("/:id/split", h.SplitTransaction)
	tx.POST("/:id/match", h.ManualMatch)
	tx.POST("/:id/correct", h.CorrectTransaction)
	tx.POST("/:id/reset", h.ResetTransaction)
	tx.GET("/:id/corrections", h.Corrections)
}
