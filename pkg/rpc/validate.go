package rpc

import (
	goerrors "errors"

	"github.com/go-playground/validator/v10"

	"github.com/gregLibert/secure-element/pkg/se"
)

var (
	validate = validator.New()
)

func validateRequest(v interface{}) error {
	err := validate.Struct(v)
	if err != nil {
		errs := err.(validator.ValidationErrors)
		return &se.Error{Code: se.CodeBadParameters, Op: "rpc", Message: "invalid request", Cause: goerrors.Join(errs)}
	}
	return nil
}
