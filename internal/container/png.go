package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const (
	chunkRobust  = "caPf"
	chunkText    = "tEXt"
	chunkEnd     = "IEND"
	textKeyword  = "credproof"
	maxPNGChunk  = 1<<31 - 1
	pngRobustCap = 64 << 20
)

type pngChunk struct {
	typ   string
	start int
	end   int
	data  []byte
	crcOK bool
}

func parsePNG(content []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(content, pngSignature) {
		return nil, fmt.Errorf("%w: missing PNG signature", ErrMalformed)
	}
	var chunks []pngChunk
	pos := len(pngSignature)
	for pos < len(content) {
		if pos+12 > len(content) {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformed)
		}
		length := int(binary.BigEndian.Uint32(content[pos : pos+4]))
		if length > maxPNGChunk || pos+12+length > len(content) {
			return nil, fmt.Errorf("%w: chunk overruns file", ErrMalformed)
		}
		typ := string(content[pos+4 : pos+8])
		data := content[pos+8 : pos+8+length]
		sum := binary.BigEndian.Uint32(content[pos+8+length : pos+12+length])
		chunks = append(chunks, pngChunk{
			typ:   typ,
			start: pos,
			end:   pos + 12 + length,
			data:  data,
			crcOK: crc32.ChecksumIEEE(content[pos+4:pos+8+length]) == sum,
		})
		pos += 12 + length
		if typ == chunkEnd {
			break
		}
	}
	if len(chunks) == 0 || chunks[len(chunks)-1].typ != chunkEnd {
		return nil, fmt.Errorf("%w: missing IEND", ErrMalformed)
	}
	return chunks, nil
}

func isOurText(c pngChunk) bool {
	return c.typ == chunkText && bytes.HasPrefix(c.data, []byte(textKeyword+"\x00"))
}

func encodeChunk(typ string, data []byte) []byte {
	out := make([]byte, 0, 12+len(data))
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, typ...)
	out = append(out, data...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[4:]))
}

type pngFormat struct{}

func (pngFormat) Kind() Kind { return KindPNG }

func (pngFormat) Match(content []byte) bool { return bytes.HasPrefix(content, pngSignature) }

func (pngFormat) RobustLimit() int { return pngRobustCap }

func (f pngFormat) EmbedRobust(content, envelope []byte) ([]byte, error) {
	if len(envelope) > f.RobustLimit() {
		return nil, ErrTooLarge
	}
	return f.insertBeforeEnd(content, func(c pngChunk) bool { return c.typ == chunkRobust }, encodeChunk(chunkRobust, envelope))
}

func (f pngFormat) EmbedLightweight(content []byte, tag string) ([]byte, error) {
	data := append([]byte(textKeyword+"\x00"), tag...)
	return f.insertBeforeEnd(content, isOurText, encodeChunk(chunkText, data))
}

func (f pngFormat) insertBeforeEnd(content []byte, drop func(pngChunk) bool, chunk []byte) ([]byte, error) {
	stripped, err := f.stripWith(content, drop)
	if err != nil {
		return nil, err
	}
	chunks, err := parsePNG(stripped)
	if err != nil {
		return nil, err
	}
	return splice(stripped, chunks[len(chunks)-1].start, chunk), nil
}

func (pngFormat) ReadRobust(content []byte) ([]byte, bool, error) {
	chunks, err := parsePNG(content)
	if err != nil {
		return nil, false, err
	}
	for _, c := range chunks {
		if c.typ == chunkRobust {
			if !c.crcOK {
				return c.data, true, fmt.Errorf("%w: %s chunk crc mismatch", ErrMalformed, chunkRobust)
			}
			return c.data, true, nil
		}
	}
	return nil, false, nil
}

func (pngFormat) ReadLightweight(content []byte) (string, bool, error) {
	chunks, err := parsePNG(content)
	if err != nil {
		return "", false, err
	}
	for _, c := range chunks {
		if isOurText(c) {
			return string(c.data[len(textKeyword)+1:]), true, nil
		}
	}
	return "", false, nil
}

func (f pngFormat) Strip(content []byte) ([]byte, error) {
	return f.stripWith(content, func(c pngChunk) bool { return c.typ == chunkRobust || isOurText(c) })
}

func (pngFormat) stripWith(content []byte, drop func(pngChunk) bool) ([]byte, error) {
	chunks, err := parsePNG(content)
	if err != nil {
		return nil, err
	}
	var out []byte
	last := 0
	for _, c := range chunks {
		if !drop(c) {
			continue
		}
		out = append(out, content[last:c.start]...)
		last = c.end
	}
	if last == 0 {
		return content, nil
	}
	return append(out, content[last:]...), nil
}
