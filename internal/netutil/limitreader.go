package netutil

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// LimitedReader reads at most Limit bytes from R and fails with
// SizeLimitExceededError once the source holds more.
type LimitedReader struct {
	R     io.Reader
	Limit int64

	remaining int64
	read      int64
}

// NewLimitedReader wraps r.
func NewLimitedReader(r io.Reader, limit int64) *LimitedReader {
	return &LimitedReader{R: r, Limit: limit, remaining: limit}
}

// Read implements io.Reader.
func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// 已达上限：探测是否还有剩余数据。
		var extra [1]byte
		n, err := l.R.Read(extra[:])
		if n > 0 {
			return 0, &SizeLimitExceededError{Limit: l.Limit, Read: l.read + int64(n)}
		}
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.R.Read(p)
	l.remaining -= int64(n)
	l.read += int64(n)
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (l *LimitedReader) BytesRead() int64 { return l.read }

// ReadAll reads r fully, failing once limit is exceeded.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(NewLimitedReader(r, limit))
}

// SizeLimitExceededError is returned when the source exceeds the limit.
type SizeLimitExceededError struct {
	Limit int64
	Read  int64
}

func (e *SizeLimitExceededError) Error() string {
	return fmt.Sprintf("size limit exceeded: more than %s", humanize.IBytes(uint64(e.Limit)))
}

// IsSizeLimitExceeded reports whether err wraps a SizeLimitExceededError.
func IsSizeLimitExceeded(err error) bool {
	var target *SizeLimitExceededError
	return errors.As(err, &target)
}
