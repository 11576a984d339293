package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-proxy/internal/models"
)

// ErrInvalidCoordinates is matched by every validation failure (422 INVALID_COORDINATES).
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// DefaultMaxBatchItems caps a batch when no limit is configured.
const DefaultMaxBatchItems = 50

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names so details match the request.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Detail describes one rejected field.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error lists every rejected field of a request.
type Error struct {
	Details []Detail
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.Field + " " + d.Message
	}
	return fmt.Sprintf("%s: %s", ErrInvalidCoordinates, strings.Join(parts, "; "))
}

// Is matches ErrInvalidCoordinates.
func (e *Error) Is(target error) bool {
	return target == ErrInvalidCoordinates
}

// ParseCoordinates parses and validates the lat, lon and units query parameters.
// Empty units default to metric.
func ParseCoordinates(lat, lon, units string) (models.Coordinates, error) {
	var details []Detail
	c := models.Coordinates{Units: strings.TrimSpace(units)}

	var err error
	if c.Lat, err = parseFloat(lat); err != nil {
		details = append(details, Detail{Field: "lat", Message: err.Error()})
	}
	if c.Lon, err = parseFloat(lon); err != nil {
		details = append(details, Detail{Field: "lon", Message: err.Error()})
	}
	if len(details) > 0 {
		return models.Coordinates{}, &Error{Details: details}
	}
	if err := ValidateCoordinates(&c); err != nil {
		return models.Coordinates{}, err
	}
	return c, nil
}

// ValidateCoordinates applies the units default and checks bounds.
func ValidateCoordinates(c *models.Coordinates) error {
	details := validateOne(c, "")
	if len(details) > 0 {
		return &Error{Details: details}
	}
	return nil
}

// CoordinatesInput is one decoded batch entry. Pointers distinguish a missing
// coordinate from zero.
type CoordinatesInput struct {
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Units string   `json:"units"`
}

// ParseBatch checks that every entry carries both coordinates and then validates the
// batch with ValidateBatch.
func ParseBatch(items []CoordinatesInput, maxItems int) ([]models.Coordinates, error) {
	if items == nil {
		return nil, ValidateBatch(nil, maxItems)
	}
	var details []Detail
	coords := make([]models.Coordinates, len(items))
	for i, in := range items {
		if in.Lat == nil {
			details = append(details, Detail{Field: fmt.Sprintf("items[%d].lat", i), Message: "is required"})
		} else {
			coords[i].Lat = *in.Lat
		}
		if in.Lon == nil {
			details = append(details, Detail{Field: fmt.Sprintf("items[%d].lon", i), Message: "is required"})
		} else {
			coords[i].Lon = *in.Lon
		}
		coords[i].Units = strings.TrimSpace(in.Units)
	}
	if len(details) > 0 {
		return nil, &Error{Details: details}
	}
	if err := ValidateBatch(coords, maxItems); err != nil {
		return nil, err
	}
	return coords, nil
}

// ValidateBatch validates every item, applying the units default in place. A nil slice
// (missing "items") and batches above maxItems are rejected; maxItems <= 0 uses DefaultMaxBatchItems.
func ValidateBatch(items []models.Coordinates, maxItems int) error {
	if maxItems <= 0 {
		maxItems = DefaultMaxBatchItems
	}
	if items == nil {
		return &Error{Details: []Detail{{Field: "items", Message: "is required"}}}
	}
	if len(items) > maxItems {
		return &Error{Details: []Detail{{Field: "items", Message: fmt.Sprintf("must contain at most %d entries", maxItems)}}}
	}
	var details []Detail
	for i := range items {
		details = append(details, validateOne(&items[i], fmt.Sprintf("items[%d].", i))...)
	}
	if len(details) > 0 {
		return &Error{Details: details}
	}
	return nil
}

func validateOne(c *models.Coordinates, prefix string) []Detail {
	if c.Units == "" {
		c.Units = models.UnitsMetric
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Detail{{Field: strings.TrimSuffix(prefix, "."), Message: err.Error()}}
	}
	details := make([]Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, Detail{Field: prefix + fe.Field(), Message: message(fe)})
	}
	return details
}

func message(fe validator.FieldError) string {
	switch fe.Field() {
	case "lat":
		return "must be between -90 and 90"
	case "lon":
		return "must be between -180 and 180"
	case "units":
		return "must be one of: metric, imperial"
	}
	return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("is required")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("must be a number")
	}
	return f, nil
}
