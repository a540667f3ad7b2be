package service

import (
	"regexp"
	"strings"

	"github.com/prior-auth-server/internal/domain"
)

var (
	categoryIPattern   = regexp.MustCompile(`^\d{5}$`)
	categoryIIPattern  = regexp.MustCompile(`^\d{4}F$`)
	categoryIIIPattern = regexp.MustCompile(`^\d{4}T$`)
)

// ValidateProcedureCode checks a CPT code against the Category I, II and III
// formats and returns its category.
func ValidateProcedureCode(code string) (domain.ProcedureCategory, error) {
	switch {
	case categoryIPattern.MatchString(code):
		return domain.CATEGORY_I, nil
	case categoryIIPattern.MatchString(code):
		return domain.CATEGORY_II, nil
	case categoryIIIPattern.MatchString(code):
		return domain.CATEGORY_III, nil
	default:
		return "", domain.NewValidationError("cpt_code", "invalid CPT code", code)
	}
}

// NormalizeProcedureCode trims whitespace and upper-cases the category suffix
func NormalizeProcedureCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
