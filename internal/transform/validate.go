package transform

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Invalid is a record rejected by validation, with its input position.
type Invalid[T any] struct {
	Index  int
	Record T
	Err    error
}

// Validate splits records into those passing their struct tags and those
// that do not. Order is preserved in both.
func Validate[T any](records []T) ([]T, []Invalid[T]) {
	valid := make([]T, 0, len(records))
	var invalid []Invalid[T]
	for i, r := range records {
		if err := validate.Struct(r); err != nil {
			invalid = append(invalid, Invalid[T]{Index: i, Record: r, Err: err})
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}
