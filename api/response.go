package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Every endpoint answers with the same envelope:
//
//	{ "success": true,  "data": ..., "total": ..., "hasMore": ... }
//	{ "success": false, "message": "..." }
//
// Pagination fields appear only on list responses that are actually paged.

// Response is the unified success envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Total   *int   `json:"total,omitempty"`
	HasMore *bool  `json:"hasMore,omitempty"`
}

// RespondData sends a 200 with a single data object.
func RespondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// RespondList sends a 200 with a paged collection.
func RespondList(c *gin.Context, data any, total int, hasMore bool) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Total: &total, HasMore: &hasMore})
}

// RespondError sends an error envelope with the given status.
func RespondError(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Success: false, Message: message})
}

// RespondBadRequest sends a 400.
func RespondBadRequest(c *gin.Context, message string) {
	RespondError(c, http.StatusBadRequest, message)
}

// RespondUnauthorized sends a 401.
func RespondUnauthorized(c *gin.Context, message string) {
	RespondError(c, http.StatusUnauthorized, message)
}

// RespondNotFound sends a 404.
func RespondNotFound(c *gin.Context, message string) {
	RespondError(c, http.StatusNotFound, message)
}

// RespondInternalError sends a 500.
func RespondInternalError(c *gin.Context, message string) {
	RespondError(c, http.StatusInternalServerError, message)
}

// RespondServiceUnavailable sends a 503.
func RespondServiceUnavailable(c *gin.Context, message string) {
	RespondError(c, http.StatusServiceUnavailable, message)
}
