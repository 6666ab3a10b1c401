package web

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

var registerOnce sync.Once

// registerValidations teaches gin's validator the request tags used by the
// API. Both custom tags accept a nil pointer so PATCH bodies can omit fields.
func registerValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonFieldName)
		v.RegisterValidation("slug", isSlug, true)
		v.RegisterValidation("nonempty", isNonEmpty, true)
	})
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func isSlug(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return true
		}
		field = field.Elem()
	}
	return field.Kind() == reflect.String && slugPattern.MatchString(field.String())
}

func isNonEmpty(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return true
		}
		field = field.Elem()
	}
	return field.Kind() == reflect.String && field.Len() > 0
}

// bindJSON decodes and validates the request body, answering 400 on failure.
func bindJSON(c *gin.Context, req interface{}) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		badRequest(c, describeFieldError(fieldErrs[0]))
	} else {
		badRequest(c, errMalformedBody.Error())
	}
	return false
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "nonempty":
		return fe.Field() + " must not be empty"
	case "slug":
		return fe.Field() + " must match " + slugPattern.String()
	}
	return fe.Field() + " is invalid"
}
