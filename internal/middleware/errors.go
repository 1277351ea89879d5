package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kursflyt/waitlist/internal/apperr"
	"github.com/kursflyt/waitlist/pkg/response"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindUnauthorized: http.StatusUnauthorized,
	apperr.KindForbidden:    http.StatusForbidden,
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindConflict:     http.StatusConflict,
	apperr.KindGone:         http.StatusGone,
	apperr.KindTransient:    http.StatusServiceUnavailable,
	apperr.KindInternal:     http.StatusInternalServerError,
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	if s, ok := kindStatus[apperr.CodeOf(err).Kind()]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error writes err as a localized error envelope and aborts. The error is
// attached to the context so the request logger records it.
func Error(c *gin.Context, err error) {
	_ = c.Error(err)
	code := apperr.CodeOf(err)
	var details map[string]string
	if code != apperr.CodeInternal {
		details = apperr.MetadataOf(err)
	}
	response.Fail(c, StatusOf(err), string(code), apperr.Message(err, LocaleOf(c)), details)
}
