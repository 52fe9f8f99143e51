package logcat

import (
	"bufio"
	"io"
	"iter"
	"time"

	"github.com/rsclarke/droidrig/internal/naming"
)

const (
	stampLen   = len(naming.TimestampLayout)
	maxLineLen = 1 << 20
)

// Window yields the lines of r stamped within [start, end]. Lines whose
// prefix is not a logcat timestamp are skipped. The matching lines are
// assumed to form one contiguous run: the sequence ends at the first
// out-of-window line after the run began.
//
// A read error, including a line longer than 1 MiB, also ends the sequence
// and is not reported. Use ScanWindow when the caller must tell a truncated
// window from a complete one.
func Window(r io.Reader, start, end time.Time) iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = ScanWindow(r, start, end, yield)
	}
}

// ScanWindow calls yield for each line Window would produce and returns the
// read error that stopped the scan, if any. A line over 1 MiB fails with
// bufio.ErrTooLong.
func ScanWindow(r io.Reader, start, end time.Time, yield func(string) bool) error {
	lo, hi := truncate(start), truncate(end)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	entered := false
	for sc.Scan() {
		line := sc.Text()
		ts, ok := lineTime(line)
		if !ok {
			continue
		}
		if ts.Before(lo) || ts.After(hi) {
			if entered {
				return nil
			}
			continue
		}
		entered = true
		if !yield(line) {
			return nil
		}
	}
	return sc.Err()
}

// truncate drops the year and zone from t so it compares with line stamps.
func truncate(t time.Time) time.Time {
	ts, _ := time.Parse(naming.TimestampLayout, naming.Timestamp(t))
	return ts
}

func lineTime(line string) (time.Time, bool) {
	if len(line) < stampLen {
		return time.Time{}, false
	}
	ts, err := time.Parse(naming.TimestampLayout, line[:stampLen])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
