package daemon

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"
)

// tailPollInterval is how often follow mode re-checks for new output.
const tailPollInterval = 250 * time.Millisecond

// LastLines returns the final n lines of the file at path.
func LastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

// Follow streams appended lines from path to w until ctx is
// cancelled, starting with the last n existing lines. A truncated
// file (log rotation) restarts from the beginning.
func Follow(ctx context.Context, path string, n int, w io.Writer) error {
	lines, err := LastLines(path, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tailPollInterval):
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() < offset {
			if offset, err = f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			reader.Reset(f)
		}
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				offset += int64(len(line))
				if _, werr := io.WriteString(w, line); werr != nil {
					return werr
				}
			}
			if err != nil {
				break
			}
		}
	}
}
