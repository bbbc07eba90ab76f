package wizard

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrExtraction means the result text was absent or held no number.
var ErrExtraction = errors.New("result extraction failed")

// NavigationFault reports that the page or frame did not reach the state a
// step expected. The session should be discarded and rebuilt.
type NavigationFault struct {
	Step string
	Err  error
}

func (f *NavigationFault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("navigation fault during %s", f.Step)
	}
	return fmt.Sprintf("navigation fault during %s: %v", f.Step, f.Err)
}

func (f *NavigationFault) Unwrap() error { return f.Err }

// IsNavigationFault reports whether err carries a *NavigationFault.
func IsNavigationFault(err error) bool {
	var f *NavigationFault
	return errors.As(err, &f)
}

var numberPattern = regexp.MustCompile(`\b\d[\d,]*(?:\.\d+)?`)

// ParseMeasurement returns the first number in text, ignoring thousands
// separators. "Home Energy: 1,234.5 lbs CO2e" yields 1234.5.
func ParseMeasurement(text string) (float64, error) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("%w: no number in %q", ErrExtraction, text)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return v, nil
}

// FormatMagnitude renders a magnitude the way it is typed into the entry field.
func FormatMagnitude(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}
