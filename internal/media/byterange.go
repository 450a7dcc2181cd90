package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRange is returned for a Range header that does not match
	// bytes=<start>-[<end>]. Callers serve the full body instead.
	ErrMalformedRange = errors.New("malformed range header")
	// ErrUnsatisfiableRange is returned when a range starts at or past EOF.
	ErrUnsatisfiableRange = errors.New("range not satisfiable")
)

// ByteRange is a single requested byte interval. When HasEnd is false the
// range runs to the end of the file.
type ByteRange struct {
	Start  int64
	End    int64
	HasEnd bool
}

// RangeError reports an unsatisfiable range together with the file size the
// client needs for the Content-Range: bytes */size reply.
type RangeError struct {
	Start int64
	Size  int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range start %d not satisfiable for size %d", e.Start, e.Size)
}

// Is matches ErrUnsatisfiableRange.
func (e *RangeError) Is(target error) bool {
	return target == ErrUnsatisfiableRange
}

// ParseRange parses a Range header value. An empty header yields a nil
// range and no error.
func ParseRange(header string) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	unit, spec, ok := strings.Cut(header, "=")
	if !ok || strings.TrimSpace(unit) != "bytes" {
		return nil, ErrMalformedRange
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrMalformedRange
	}

	start, err := parseOffset(startStr)
	if err != nil {
		return nil, ErrMalformedRange
	}

	rng := &ByteRange{Start: start}
	if endStr == "" {
		return rng, nil
	}

	end, err := parseOffset(endStr)
	if err != nil || end < start {
		return nil, ErrMalformedRange
	}
	rng.End = end
	rng.HasEnd = true
	return rng, nil
}

// parseOffset accepts only plain decimal digits, so signs, spaces and
// multi-range lists ("0-1,5-6") are rejected.
func parseOffset(s string) (int64, error) {
	if s == "" {
		return 0, ErrMalformedRange
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrMalformedRange
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// Resolve clamps the range to a file of the given size. The returned
// interval always satisfies 0 <= start <= end < size.
func (r ByteRange) Resolve(size int64) (start, end int64, err error) {
	if r.Start < 0 || r.Start >= size {
		return 0, 0, &RangeError{Start: r.Start, Size: size}
	}

	if r.HasEnd && r.End < r.Start {
		return 0, 0, ErrMalformedRange
	}

	end = size - 1
	if r.HasEnd && r.End < end {
		end = r.End
	}
	return r.Start, end, nil
}
