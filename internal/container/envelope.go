package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Envelope layout, big endian:
//
//	"CPRF" | version u8 | flags u8 | ref length u8 | ref | payload length u32 | crc32 u32 | payload
const (
	envelopeMagic   = "CPRF"
	envelopeVersion = 1
	flagZstd        = 1 << 0

	envelopeHeader = len(envelopeMagic) + 3

	maxDecodedManifest = 16 << 20
)

// ErrChecksum 表示载荷校验和不匹配，内容可能被截断或篡改。
var ErrChecksum = errors.New("envelope checksum mismatch")

type envelope struct {
	Reference  string
	Compressed bool
	Payload    []byte
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedManifest), zstd.WithDecoderConcurrency(0))
	})
	return decoder
}

func compress(raw []byte) []byte {
	return zstdEncoder().EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func decompress(raw []byte) ([]byte, error) {
	out, err := zstdDecoder().DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress manifest: %w", err)
	}
	return out, nil
}

func encodeEnvelope(e envelope) ([]byte, error) {
	if len(e.Reference) > 255 {
		return nil, fmt.Errorf("proof reference too long: %d", len(e.Reference))
	}
	var flags byte
	if e.Compressed {
		flags |= flagZstd
	}
	buf := bytes.NewBuffer(make([]byte, 0, envelopeHeader+len(e.Reference)+8+len(e.Payload)))
	buf.WriteString(envelopeMagic)
	buf.WriteByte(envelopeVersion)
	buf.WriteByte(flags)
	buf.WriteByte(byte(len(e.Reference)))
	buf.WriteString(e.Reference)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(e.Payload)))
	_ = binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(e.Payload))
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// decodeEnvelope parses raw. A checksum mismatch still returns whatever
// payload is present together with ErrChecksum, so callers may salvage it.
func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if len(raw) < envelopeHeader || string(raw[:4]) != envelopeMagic {
		return e, fmt.Errorf("%w: bad envelope magic", ErrMalformed)
	}
	if raw[4] != envelopeVersion {
		return e, fmt.Errorf("%w: unsupported envelope version %d", ErrMalformed, raw[4])
	}
	e.Compressed = raw[5]&flagZstd != 0
	refLen := int(raw[6])
	rest := raw[envelopeHeader:]
	if len(rest) < refLen+8 {
		return e, fmt.Errorf("%w: truncated envelope header", ErrMalformed)
	}
	e.Reference = string(rest[:refLen])
	rest = rest[refLen:]
	size := binary.BigEndian.Uint32(rest[:4])
	sum := binary.BigEndian.Uint32(rest[4:8])
	payload := rest[8:]
	if uint64(len(payload)) > uint64(size) {
		payload = payload[:size]
	}
	e.Payload = payload
	if uint64(len(payload)) != uint64(size) || crc32.ChecksumIEEE(payload) != sum {
		return e, ErrChecksum
	}
	return e, nil
}

// manifestBytes returns the decoded manifest JSON carried by e.
func (e envelope) manifestBytes() ([]byte, error) {
	if !e.Compressed {
		return e.Payload, nil
	}
	return decompress(e.Payload)
}
