package http

import (
	"errors"
	"net/http"

	entity "marketpay/internal/entity"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func statusFor(err error) int {
	switch entity.KindOf(err) {
	case entity.KindValidation:
		return http.StatusBadRequest
	case entity.KindNotFound:
		return http.StatusNotFound
	case entity.KindState:
		return http.StatusConflict
	case entity.KindPolicy:
		return http.StatusUnprocessableEntity
	case entity.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error: "invalid field " + fe.Field() + ": failed on " + fe.Tag(),
			Kind:  string(entity.KindValidation),
		})
	}
	return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: string(entity.KindValidation)})
}
