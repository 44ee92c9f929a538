package posting

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"postbot/internal/post"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		// Report json names so errors match the request body.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return strings.ToLower(f.Name)
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		validate = v
	})
	return validate
}

// validateStruct runs the struct tags and folds every failure into one
// *post.ValidationError.
func validateStruct(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return post.Invalid("", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	var first string
	for _, fe := range verrs {
		name := fieldPath(fe.Namespace())
		if first == "" {
			first = name
		}
		fields[name] = reason(fe)
	}
	return &post.ValidationError{Field: first, Reason: fields[first], Fields: fields}
}

// fieldPath drops the root struct name: "Draft.channels[0]" -> "channels[0]".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must have at most " + fe.Param() + " entries"
	}
	return "failed " + fe.Tag()
}
