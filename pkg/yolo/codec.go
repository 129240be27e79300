// Package yolo converts between pixel-space boxes and the normalized YOLO
// label format and reads/writes label files.
package yolo

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/pkg/types"
)

// fieldCount is the number of whitespace-separated fields in a label line
const fieldCount = 5

// LineError describes a label line that could not be parsed
type LineError struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ToNormalized converts a pixel box into a YOLO label. Boxes that extend past
// the image edge are not clamped.
func ToNormalized(classID int, box types.Box, imageWidth, imageHeight int) (types.Label, error) {
	if imageWidth <= 0 || imageHeight <= 0 {
		return types.Label{}, errs.New(errs.CategoryInvalidInput, "invalid_image_size",
			"image dimensions must be positive, got %dx%d", imageWidth, imageHeight)
	}
	fw, fh := float64(imageWidth), float64(imageHeight)
	return types.Label{
		ClassID: classID,
		XCenter: (box.X + box.Width/2) / fw,
		YCenter: (box.Y + box.Height/2) / fh,
		Width:   box.Width / fw,
		Height:  box.Height / fh,
	}, nil
}

// ToPixel maps a label back onto an image of the given size
func ToPixel(label types.Label, imageWidth, imageHeight int) types.PixelBox {
	fw, fh := float64(imageWidth), float64(imageHeight)
	return types.PixelBox{
		X1: int(math.Round((label.XCenter - label.Width/2) * fw)),
		Y1: int(math.Round((label.YCenter - label.Height/2) * fh)),
		X2: int(math.Round((label.XCenter + label.Width/2) * fw)),
		Y2: int(math.Round((label.YCenter + label.Height/2) * fh)),
	}
}

// FormatLine renders a label with six decimals per coordinate
func FormatLine(label types.Label) string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f",
		label.ClassID, label.XCenter, label.YCenter, label.Width, label.Height)
}

// FormatLabels renders one line per label joined by newlines, without a trailing newline
func FormatLabels(labels []types.Label) []byte {
	lines := make([]string, len(labels))
	for i, l := range labels {
		lines[i] = FormatLine(l)
	}
	return []byte(strings.Join(lines, "\n"))
}

// ParseLine parses a single non-empty label line
func ParseLine(line string) (types.Label, error) {
	fields := strings.Fields(line)
	if len(fields) != fieldCount {
		return types.Label{}, fmt.Errorf("expected %d fields, got %d", fieldCount, len(fields))
	}

	classID, err := strconv.Atoi(fields[0])
	if err != nil {
		return types.Label{}, fmt.Errorf("invalid class id %q", fields[0])
	}
	if classID < 0 {
		return types.Label{}, fmt.Errorf("negative class id %d", classID)
	}

	var vals [fieldCount - 1]float64
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Label{}, fmt.Errorf("invalid number %q", fields[i+1])
		}
		vals[i] = v
	}

	return types.Label{
		ClassID: classID,
		XCenter: vals[0],
		YCenter: vals[1],
		Width:   vals[2],
		Height:  vals[3],
	}, nil
}

// ParseLabels parses a whole label file. Malformed lines are skipped and
// reported; blank lines are ignored.
func ParseLabels(data []byte) ([]types.Label, []LineError) {
	var labels []types.Label
	var problems []LineError

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		label, err := ParseLine(text)
		if err != nil {
			problems = append(problems, LineError{Line: lineNo, Text: text, Reason: err.Error()})
			continue
		}
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		problems = append(problems, LineError{Line: lineNo + 1, Reason: err.Error()})
	}
	return labels, problems
}

// MapLines rewrites every parseable line with fn and keeps unparseable lines
// verbatim. Line order and count are preserved.
func MapLines(data []byte, fn func(types.Label) types.Label) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	src := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := make([]string, 0, len(src))
	for _, raw := range src {
		text := strings.TrimSpace(raw)
		label, err := ParseLine(text)
		if text == "" || err != nil {
			out = append(out, strings.TrimRight(raw, "\r"))
			continue
		}
		out = append(out, FormatLine(fn(label)))
	}
	return []byte(strings.Join(out, "\n") + "\n")
}
