package logger

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
)

const tailChunk = 32 << 10

// Tail returns up to the last n lines of path. A missing file yields no lines.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 || path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	var buf []byte
	off := size
	for off > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(tailChunk)
		if off < step {
			step = off
		}
		off -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
	}
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// TailAll concatenates the last n lines of each path in order.
func TailAll(n int, paths ...string) []string {
	var out []string
	for _, p := range paths {
		lines, err := Tail(p, n)
		if err != nil {
			continue
		}
		out = append(out, lines...)
	}
	return out
}
