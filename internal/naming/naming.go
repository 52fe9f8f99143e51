// Package naming builds the deterministic file names used for device artifacts.
package naming

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxFilenameLen is the largest file name, in bytes, any generated artifact may have.
const MaxFilenameLen = 255

// TimestampLayout is the logcat threadtime timestamp layout, e.g. "06-15 17:03:00.887".
const TimestampLayout = "01-02 15:04:05.000"

const (
	capturePrefix = "adblog,"
	captureExt    = ".txt"
)

// Timestamp formats t in the logcat line layout.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// PathSafe rewrites a logcat timestamp so it can be embedded in a file name.
func PathSafe(ts string) string {
	return strings.NewReplacer(" ", "_", ":", "-").Replace(ts)
}

// Fit truncates tag so that tag+suffix is at most MaxFilenameLen bytes and
// returns the joined name. Truncation never splits a multi-byte rune.
func Fit(tag, suffix string) string {
	return FitLen(tag, suffix, MaxFilenameLen)
}

// FitLen is Fit with an explicit budget. When the suffix alone exceeds max
// the tag is dropped and only the last max bytes of the suffix are kept, so
// the extension survives.
func FitLen(tag, suffix string, max int) string {
	if max <= 0 {
		return ""
	}
	budget := max - len(suffix)
	if budget < 0 {
		cut := len(suffix) - max
		for cut < len(suffix) && !utf8.RuneStart(suffix[cut]) {
			cut++
		}
		return suffix[cut:]
	}
	if budget == 0 {
		return suffix
	}
	if len(tag) <= budget {
		return tag + suffix
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(tag[cut]) {
		cut--
	}
	return tag[:cut] + suffix
}

// CaptureName is the log capture file name for a device.
func CaptureName(model, serial string) string {
	return fmt.Sprintf("%s%s,%s%s", capturePrefix, model, serial, captureExt)
}

// ExcerptName is the file name of a window extracted from the capture file
// captureBase, tagged with tag and the window start.
func ExcerptName(tag string, start time.Time, captureBase string) string {
	base := strings.TrimSuffix(strings.TrimPrefix(captureBase, capturePrefix), captureExt)
	return Fit(tag, fmt.Sprintf(",%s,%s.txt", PathSafe(Timestamp(start)), base))
}

// ReportName is the file name of a diagnostic report. Zipped reports come
// from agents that support compressed dumps.
func ReportName(label string, start time.Time, serial string, zipped bool) string {
	ext := ".txt"
	if zipped {
		ext = ".zip"
	}
	return Fit(label, fmt.Sprintf(",%s,%s%s", PathSafe(Timestamp(start)), serial, ext))
}
