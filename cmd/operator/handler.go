package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	operator *MockOperator
}

func NewHandler(operator *MockOperator) *Handler {
	return &Handler{operator: operator}
}

func (h *Handler) SendSMS(c *gin.Context) {
	var req SendSMSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	resp, status := h.operator.Accept(&req)
	c.JSON(status, resp)
}

func (h *Handler) GetStatus(c *gin.Context) {
	resp, ok := h.operator.Status(c.Param("message_id"))
	if !ok {
		abort(c, http.StatusNotFound, "NOT_FOUND", "unknown message_id")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"operator_id": h.operator.operatorID,
		"timestamp":   time.Now().UTC(),
		"rates":       h.operator.Rates(),
	})
}

// UpdateConfig changes the simulated rates at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	rates := h.operator.Rates()
	if err := c.ShouldBindJSON(&rates); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	for _, r := range []float64{rates.Delivery, rates.Reject, rates.Transient} {
		if r < 0 || r > 1 {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "rates must be within [0, 1]")
			return
		}
	}

	h.operator.SetRates(rates)
	log.Info().Float64("delivery", rates.Delivery).Float64("reject", rates.Reject).Float64("transient", rates.Transient).Msg("Updated rates")
	c.JSON(http.StatusOK, rates)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error_code": code, "error_message": message})
}

func requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()

	ev := log.Info()
	if c.Writer.Status() >= http.StatusInternalServerError {
		ev = log.Warn()
	}
	ev.Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request")
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLog)

	api := router.Group("/api/v1")
	api.POST("/sms/send", handler.SendSMS)
	api.GET("/sms/status/:message_id", handler.GetStatus)
	api.GET("/health", handler.HealthCheck)
	api.PUT("/config", handler.UpdateConfig)
	router.GET("/health", handler.HealthCheck)

	return router
}
