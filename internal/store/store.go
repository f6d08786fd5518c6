// internal/store/store.go
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"meshrelay/internal/proto"
)

// Rotation knobs for append-only logs. Tests lower them.
var (
	MaxLinesPerFile       = 10000
	MaxBytesPerFile int64 = 8 << 20
	MaxRotations          = 3
)

const maxScanSize = 4 * proto.MaxFrameSize

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func rotatedName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// AppendJSONL writes v as one line, rotating path to path.1 (and shifting
// older rotations) once it holds MaxLinesPerFile lines or MaxBytesPerFile
// bytes.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfFull(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return syncFile(f)
}

func rotateIfFull(path string) error {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	full := MaxBytesPerFile > 0 && st.Size() >= MaxBytesPerFile
	if !full && MaxLinesPerFile > 0 {
		n, err := countLines(path)
		if err != nil {
			return err
		}
		full = n >= MaxLinesPerFile
	}
	if !full {
		return nil
	}
	if MaxRotations <= 0 {
		return os.Remove(path)
	}
	_ = os.Remove(rotatedName(path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		from := rotatedName(path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, rotatedName(path, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(path, rotatedName(path, 1)); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// ReadJSONL returns every decodable record across the rotations of path,
// oldest first. Lines that fail to decode are skipped.
func ReadJSONL[T any](path string) ([]T, error) {
	var out []T
	files := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		files = append(files, rotatedName(path, i))
	}
	files = append(files, path)
	for _, name := range files {
		f, err := os.Open(name)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sc := newScanner(f)
		for sc.Scan() {
			var v T
			if err := json.Unmarshal(sc.Bytes(), &v); err == nil {
				out = append(out, v)
			}
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
