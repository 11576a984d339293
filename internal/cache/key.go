package cache

import (
	"math"
	"strconv"
	"strings"
)

const coordScale = 1e4

// MakeKey derives the cache key for a coordinate lookup. Latitude and longitude are
// rounded to 4 decimals, so requests that round to the same point share an entry.
func MakeKey(lat, lon float64, units string) string {
	var b strings.Builder
	b.WriteString("w:")
	b.WriteString(formatCoord(lat))
	b.WriteByte(':')
	b.WriteString(formatCoord(lon))
	b.WriteByte(':')
	b.WriteString(units)
	return b.String()
}

// RoundCoord rounds v half away from zero to 4 decimals. Negative zero becomes zero.
func RoundCoord(v float64) float64 {
	r := math.Round(v*coordScale) / coordScale
	if r == 0 {
		return 0
	}
	return r
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(RoundCoord(v), 'f', -1, 64)
}
