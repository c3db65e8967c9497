package app

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"tvm-live-service/internal/domain"
)

const (
	maxDisplayNameRunes = 64
	maxAnswerLabelRunes = 256
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names so clients see the field they sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkEvent validates an event struct and converts failures into *domain.ValidationError.
func checkEvent(v *validator.Validate, event any) error {
	err := v.Struct(event)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &domain.ValidationError{Problems: []domain.FieldProblem{{Field: "payload", Rule: err.Error()}}}
	}
	problems := make([]domain.FieldProblem, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		problems = append(problems, domain.FieldProblem{Field: fe.Field(), Rule: rule})
	}
	return &domain.ValidationError{Problems: problems}
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func sanitizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.DefaultDisplayName
	}
	return truncateRunes(name, maxDisplayNameRunes)
}

// sanitizeAnswerLabel never returns an empty label.
func sanitizeAnswerLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return domain.EmptyAnswerLabel
	}
	return truncateRunes(label, maxAnswerLabelRunes)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
