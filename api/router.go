package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), CORS(h.cfg.CORSOrigins))

	// Health check
	r.GET("/health", h.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.handleHealth)
		v1.GET("/info", h.handleInfo)

		// Remote sources
		v1.POST("/process", h.handleProcess)
		v1.POST("/process/download", h.handleProcessDownload)
		v1.POST("/extract", h.handleExtract)

		// Uploaded files
		v1.POST("/upload", h.handleUpload)
		v1.POST("/upload/download", h.handleUploadDownload)
		v1.POST("/upload/extract", h.handleUploadExtract)
		v1.POST("/upload/streaming", h.handleUploadStreaming)

		// Job tracking
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/stats", h.handleJobStats)
		v1.GET("/jobs/:id", h.handleGetJob)
		v1.DELETE("/jobs/:id", h.handleDeleteJob)

		v1.POST("/cleanup", h.handleCleanup)

		// Files published by the local publisher
		v1.GET("/files/*path", h.handleGetFile)
	}
	return r
}
