package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	pkgerrors "github.com/yungbote/downdeck-backend/internal/pkg/errors"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError writes an explicit status and code, for failures the
// sentinel mapping cannot express (auth guards, malformed path params).
func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// Fail maps a domain or sentinel error onto a status code. Every handler
// funnels failures through here so the mapping lives in one place.
func Fail(c *gin.Context, err error) {
	status, code := classify(err)
	RespondError(c, status, code, err)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}

func classify(err error) (int, string) {
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeNotFound:
			return http.StatusNotFound, string(coded.Code)
		case types.CodeIllegalTransition:
			return http.StatusConflict, string(coded.Code)
		default:
			return http.StatusBadRequest, string(coded.Code)
		}
	}
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound, string(types.CodeNotFound)
	case errors.Is(err, pkgerrors.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, pkgerrors.ErrIllegalTransition):
		return http.StatusConflict, string(types.CodeIllegalTransition)
	case errors.Is(err, pkgerrors.ErrInvalidArgument):
		return http.StatusBadRequest, string(types.CodeInvalidInput)
	case errors.Is(err, pkgerrors.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	}
	return http.StatusInternalServerError, string(types.CodeInternalError)
}
