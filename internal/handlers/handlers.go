package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/ekyc/internal/recognition"
	"github.com/example/ekyc/internal/repository"
	"github.com/example/ekyc/internal/session"
	"github.com/example/ekyc/internal/usecase"
)

type startSessionRequest struct {
	DocumentType string `json:"document_type" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. reviewerAuth
// guards the record listing endpoints.
func RegisterRoutes(router *gin.Engine, uc *usecase.VerificationUseCase, reviewerAuth gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sessions := router.Group("/sessions")
	sessions.POST("", func(c *gin.Context) {
		var req startSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "document_type is required")
			return
		}
		view, err := uc.StartSession(c.Request.Context(), session.DocumentType(req.DocumentType))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, view)
	})

	sessions.GET("/:id", func(c *gin.Context) {
		view, err := uc.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	sessions.DELETE("/:id", func(c *gin.Context) {
		if err := uc.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	sessions.POST("/:id/reset", func(c *gin.Context) {
		view, err := uc.Reset(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	sessions.POST("/:id/documents", func(c *gin.Context) {
		front, ok := readImage(c, "front")
		if !ok {
			return
		}
		back, ok := readImage(c, "back")
		if !ok {
			return
		}

		var details recognition.PersonalDetails
		if err := c.ShouldBind(&details); err != nil {
			badRequest(c, "invalid personal details")
			return
		}
		var detailsPtr *recognition.PersonalDetails
		if details != (recognition.PersonalDetails{}) {
			detailsPtr = &details
		}

		view, err := uc.SubmitDocuments(c.Request.Context(), c.Param("id"), front, back, detailsPtr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	sessions.POST("/:id/extraction", func(c *gin.Context) {
		result, err := uc.ExtractDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	sessions.GET("/:id/extraction", func(c *gin.Context) {
		result, err := uc.GetExtraction(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	sessions.POST("/:id/capture", func(c *gin.Context) {
		status, err := uc.StartCapture(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.GET("/:id/capture", func(c *gin.Context) {
		status, err := uc.CaptureStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.DELETE("/:id/capture", func(c *gin.Context) {
		status, err := uc.StopCapture(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.POST("/:id/capture/frames", func(c *gin.Context) {
		frame, ok := readImage(c, "frame")
		if !ok {
			return
		}
		if err := uc.PushFrame(c.Request.Context(), c.Param("id"), frame); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	sessions.POST("/:id/capture/upload", func(c *gin.Context) {
		image, ok := readImage(c, "image")
		if !ok {
			return
		}
		status, err := uc.UploadCapture(c.Request.Context(), c.Param("id"), image)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.POST("/:id/capture/retake", func(c *gin.Context) {
		status, err := uc.Retake(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	sessions.POST("/:id/verify", func(c *gin.Context) {
		refresh, _ := strconv.ParseBool(c.Query("refresh"))
		result, err := uc.Verify(c.Request.Context(), c.Param("id"), refresh)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	sessions.GET("/:id/result", func(c *gin.Context) {
		result, err := uc.Result(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	records := router.Group("/verifications", reviewerAuth)
	records.GET("", func(c *gin.Context) {
		filter := repository.ListFilter{
			Status:      c.Query("status"),
			IDType:      c.Query("id_type"),
			UserIDQuery: c.Query("q"),
		}
		var err error
		if filter.Limit, err = queryInt(c, "limit"); err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		if filter.Offset, err = queryInt(c, "offset"); err != nil {
			badRequest(c, "offset must be an integer")
			return
		}

		rows, err := uc.ListVerifications(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"verifications": rows, "count": len(rows)})
	})

	records.GET("/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	records.GET("/:user_id", func(c *gin.Context) {
		record, err := uc.GetVerification(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	})

	records.GET("/:user_id/duplicates", func(c *gin.Context) {
		report, err := uc.GetDuplicateReport(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
