package httpmw

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/common/logger"
)

// ErrorBody is the JSON error envelope returned by every endpoint.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// RespondError maps an error to its HTTP status and writes the error
// envelope. Unclassified errors surface as Internal and are logged.
func RespondError(c *gin.Context, log *logger.Logger, err error) {
	kind := apperr.KindOf(err)
	body := ErrorBody{Kind: string(kind), Message: err.Error()}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Details = ae.Details
	}
	if kind == apperr.KindInternal {
		log.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		body.Message = "internal error"
	}

	c.JSON(apperr.HTTPStatus(kind), gin.H{"error": body})
}
