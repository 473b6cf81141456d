package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerCOM  = 0xFE
	markerAPP0 = 0xE0
	markerAPPB = 0xEB

	// APP11 段内以 "CPRF" 开头，后跟序号与总段数。
	app11Ident       = "CPRF"
	app11Header      = len(app11Ident) + 2
	maxSegmentData   = 0xFFFF - 2
	maxApp11Chunk    = maxSegmentData - app11Header
	maxApp11Segments = 255
)

type jpegSegment struct {
	marker byte
	start  int // offset of the 0xFF byte
	end    int // offset after the segment
	data   []byte
}

// parseJPEG walks the marker segments up to SOS. The remainder (scan data
// and trailer) is returned as tail offset.
func parseJPEG(content []byte) ([]jpegSegment, int, error) {
	if len(content) < 4 || content[0] != 0xFF || content[1] != markerSOI {
		return nil, 0, fmt.Errorf("%w: missing SOI", ErrMalformed)
	}
	var segments []jpegSegment
	pos := 2
	for pos < len(content) {
		if content[pos] != 0xFF {
			return nil, 0, fmt.Errorf("%w: expected marker at %d", ErrMalformed, pos)
		}
		start := pos
		for pos < len(content) && content[pos] == 0xFF {
			pos++
		}
		if pos >= len(content) {
			break
		}
		marker := content[pos]
		pos++
		switch {
		case marker == markerSOS || marker == markerEOI:
			return segments, start, nil
		case marker >= 0xD0 && marker <= 0xD7, marker == 0x01:
			segments = append(segments, jpegSegment{marker: marker, start: start, end: pos})
			continue
		}
		if pos+2 > len(content) {
			return nil, 0, fmt.Errorf("%w: truncated segment length", ErrMalformed)
		}
		length := int(binary.BigEndian.Uint16(content[pos : pos+2]))
		if length < 2 || pos+length > len(content) {
			return nil, 0, fmt.Errorf("%w: segment overruns file", ErrMalformed)
		}
		segments = append(segments, jpegSegment{
			marker: marker,
			start:  start,
			end:    pos + length,
			data:   content[pos+2 : pos+length],
		})
		pos += length
	}
	return nil, 0, fmt.Errorf("%w: no scan data", ErrMalformed)
}

func isOurAPP11(s jpegSegment) bool {
	return s.marker == markerAPPB && bytes.HasPrefix(s.data, []byte(app11Ident))
}

func isOurCOM(s jpegSegment) bool {
	return s.marker == markerCOM && bytes.HasPrefix(s.data, []byte(tagPrefix))
}

type jpegFormat struct{}

func (jpegFormat) Kind() Kind { return KindJPEG }

func (jpegFormat) Match(content []byte) bool {
	return len(content) > 3 && content[0] == 0xFF && content[1] == markerSOI && content[2] == 0xFF
}

func (jpegFormat) RobustLimit() int { return maxApp11Chunk * maxApp11Segments }

// insertionPoint returns the offset right after the leading APPn segments,
// keeping JFIF/EXIF headers first.
func insertionPoint(segments []jpegSegment) int {
	at := 2
	for _, s := range segments {
		if s.marker < markerAPP0 || s.marker > 0xEF {
			break
		}
		at = s.end
	}
	return at
}

func writeSegment(buf *bytes.Buffer, marker byte, data ...[]byte) {
	size := 2
	for _, d := range data {
		size += len(d)
	}
	buf.WriteByte(0xFF)
	buf.WriteByte(marker)
	_ = binary.Write(buf, binary.BigEndian, uint16(size))
	for _, d := range data {
		buf.Write(d)
	}
}

func (f jpegFormat) EmbedRobust(content, envelope []byte) ([]byte, error) {
	if len(envelope) > f.RobustLimit() {
		return nil, ErrTooLarge
	}
	stripped, segments, err := f.stripWith(content, isOurAPP11)
	if err != nil {
		return nil, err
	}
	total := (len(envelope) + maxApp11Chunk - 1) / maxApp11Chunk
	var seg bytes.Buffer
	for i := 0; i < total; i++ {
		chunk := envelope[i*maxApp11Chunk : min((i+1)*maxApp11Chunk, len(envelope))]
		writeSegment(&seg, markerAPPB, []byte(app11Ident), []byte{byte(i + 1), byte(total)}, chunk)
	}
	return splice(stripped, insertionPoint(segments), seg.Bytes()), nil
}

func (f jpegFormat) EmbedLightweight(content []byte, tag string) ([]byte, error) {
	if len(tag) > maxSegmentData {
		return nil, ErrTooLarge
	}
	stripped, segments, err := f.stripWith(content, isOurCOM)
	if err != nil {
		return nil, err
	}
	// APP11 属于 APPn，轻量标签因此落在其后。
	var seg bytes.Buffer
	writeSegment(&seg, markerCOM, []byte(tag))
	return splice(stripped, insertionPoint(segments), seg.Bytes()), nil
}

func (jpegFormat) ReadRobust(content []byte) ([]byte, bool, error) {
	segments, _, err := parseJPEG(content)
	if err != nil {
		return nil, false, err
	}
	var chunks [][]byte
	var total int
	for _, s := range segments {
		if !isOurAPP11(s) || len(s.data) < app11Header {
			continue
		}
		seq, count := int(s.data[4]), int(s.data[5])
		if chunks == nil {
			total = count
			chunks = make([][]byte, count)
		}
		if count != total || seq < 1 || seq > total {
			return nil, true, fmt.Errorf("%w: inconsistent APP11 sequence", ErrMalformed)
		}
		chunks[seq-1] = s.data[app11Header:]
	}
	if chunks == nil {
		return nil, false, nil
	}
	var out []byte
	for i, c := range chunks {
		if c == nil {
			// 缺失的分段：返回已有前缀，由信封校验判定为部分数据。
			return out, true, fmt.Errorf("%w: APP11 segment %d of %d missing", ErrMalformed, i+1, total)
		}
		out = append(out, c...)
	}
	return out, true, nil
}

func (jpegFormat) ReadLightweight(content []byte) (string, bool, error) {
	segments, _, err := parseJPEG(content)
	if err != nil {
		return "", false, err
	}
	for _, s := range segments {
		if isOurCOM(s) {
			return string(s.data), true, nil
		}
	}
	return "", false, nil
}

func (f jpegFormat) Strip(content []byte) ([]byte, error) {
	out, _, err := f.stripWith(content, func(s jpegSegment) bool { return isOurAPP11(s) || isOurCOM(s) })
	return out, err
}

// stripWith removes matching segments and returns the new content with its
// re-parsed segment list.
func (jpegFormat) stripWith(content []byte, drop func(jpegSegment) bool) ([]byte, []jpegSegment, error) {
	segments, _, err := parseJPEG(content)
	if err != nil {
		return nil, nil, err
	}
	var out []byte
	var kept []jpegSegment
	last := 0
	removed := 0
	for _, s := range segments {
		if drop(s) {
			out = append(out, content[last:s.start]...)
			last = s.end
			removed += s.end - s.start
			continue
		}
		s.start -= removed
		s.end -= removed
		kept = append(kept, s)
	}
	if last == 0 {
		return content, segments, nil
	}
	out = append(out, content[last:]...)
	return out, kept, nil
}

func splice(content []byte, at int, insert []byte) []byte {
	out := make([]byte, 0, len(content)+len(insert))
	out = append(out, content[:at]...)
	out = append(out, insert...)
	return append(out, content[at:]...)
}
