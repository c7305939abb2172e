package handler

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/source"
)

// NewValidator returns a validator that knows the render request rules:
// the upload_target tag checks destinations against policy, and a range
// must end after it starts.
func NewValidator(policy *source.UploadPolicy) *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("upload_target", func(fl validator.FieldLevel) bool {
		return policy != nil && policy.Check(fl.Field().String()) == nil
	})

	v.RegisterStructValidation(func(sl validator.StructLevel) {
		r := sl.Current().Interface().(model.TimeRange)
		if r.End <= r.Start {
			sl.ReportError(r.End, "end", "End", "gtfield", "start")
		}
	}, model.TimeRange{})

	return v
}

// formatValidationErrors maps each failing field path to the rule it broke.
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[fieldPath(e)] = e.Tag()
		}
		return errors
	}
	return nil
}

// fieldPath drops the root struct from the namespace: output.uploadTarget.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
