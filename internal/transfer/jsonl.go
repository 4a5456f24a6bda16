package transfer

import (
	"bufio"
	"bytes"
	"io"
)

// jsonlScanner yields non-blank lines without a line-length cap.
type jsonlScanner struct {
	r    *bufio.Reader
	done bool
}

func newJSONLScanner(r io.Reader) *jsonlScanner {
	return &jsonlScanner{r: bufio.NewReader(r)}
}

func (s *jsonlScanner) next() ([]byte, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		line, err := s.r.ReadBytes('\n')
		if err == io.EOF {
			s.done = true
		} else if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if s.done {
			return nil, io.EOF
		}
	}
}
