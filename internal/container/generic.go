package container

import (
	"bytes"
	"encoding/binary"
)

// Trailer blocks are appended after the original bytes:
//
//	data | length u32 | magic (8 bytes)
var (
	magicRobust      = []byte("CPRF-RB\x00")
	magicLightweight = []byte("CPRF-LT\x00")
)

const (
	trailerFooter    = 4 + 8
	genericRobustCap  = 64 << 20
)

type trailer struct {
	magic []byte
	start int
	data  []byte
}

// trailers lists our blocks from the end of content backwards, stopping at
// the first footer that is not ours.
func trailers(content []byte) ([]trailer, int) {
	var out []trailer
	end := len(content)
	for end >= trailerFooter {
		magic := content[end-8 : end]
		if !bytes.Equal(magic, magicRobust) && !bytes.Equal(magic, magicLightweight) {
			break
		}
		size := int(binary.BigEndian.Uint32(content[end-trailerFooter : end-8]))
		start := end - trailerFooter - size
		if size < 0 || start < 0 {
			break
		}
		out = append(out, trailer{magic: magic, start: start, data: content[start : end-trailerFooter]})
		end = start
	}
	return out, end
}

type genericFormat struct{}

func (genericFormat) Kind() Kind { return KindGeneric }

func (genericFormat) Match([]byte) bool { return true }

func (genericFormat) RobustLimit() int { return genericRobustCap }

func appendTrailer(content, data, magic []byte) []byte {
	out := make([]byte, 0, len(content)+len(data)+trailerFooter)
	out = append(out, content...)
	out = append(out, data...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	return append(out, magic...)
}

// EmbedRobust keeps an existing lightweight block after the robust one.
func (f genericFormat) EmbedRobust(content, envelope []byte) ([]byte, error) {
	if len(envelope) > f.RobustLimit() {
		return nil, ErrTooLarge
	}
	blocks, base := trailers(content)
	out := appendTrailer(content[:base], envelope, magicRobust)
	for _, b := range blocks {
		if bytes.Equal(b.magic, magicLightweight) {
			out = appendTrailer(out, b.data, magicLightweight)
		}
	}
	return out, nil
}

func (genericFormat) EmbedLightweight(content []byte, tag string) ([]byte, error) {
	blocks, base := trailers(content)
	out := content[:base:base]
	for i := len(blocks) - 1; i >= 0; i-- {
		if bytes.Equal(blocks[i].magic, magicRobust) {
			out = appendTrailer(out, blocks[i].data, magicRobust)
		}
	}
	return appendTrailer(out, []byte(tag), magicLightweight), nil
}

func (genericFormat) ReadRobust(content []byte) ([]byte, bool, error) {
	blocks, _ := trailers(content)
	for _, b := range blocks {
		if bytes.Equal(b.magic, magicRobust) {
			return b.data, true, nil
		}
	}
	return nil, false, nil
}

func (genericFormat) ReadLightweight(content []byte) (string, bool, error) {
	blocks, _ := trailers(content)
	for _, b := range blocks {
		if bytes.Equal(b.magic, magicLightweight) {
			return string(b.data), true, nil
		}
	}
	return "", false, nil
}

func (genericFormat) Strip(content []byte) ([]byte, error) {
	_, base := trailers(content)
	return content[:base:base], nil
}
