// Package container embeds signed manifests into media files and extracts
// them again. Each supported file type is a Format with a robust location
// carrying the full manifest and a lightweight location carrying a short
// tag that points at the stored proof.
package container

import "errors"

// Kind names a container format.
type Kind string

const (
	KindJPEG    Kind = "jpeg"
	KindPNG     Kind = "png"
	KindGeneric Kind = "generic"
)

// Format abstracts the embedding locations of a file type. Implementations
// must be additive: bytes that are not ours survive Embed and Strip
// unchanged.
type Format interface {
	Kind() Kind
	Match(content []byte) bool
	// RobustLimit is the largest envelope the robust location can hold.
	RobustLimit() int
	EmbedRobust(content, envelope []byte) ([]byte, error)
	EmbedLightweight(content []byte, tag string) ([]byte, error)
	// ReadRobust returns the robust envelope, or found=false.
	ReadRobust(content []byte) (envelope []byte, found bool, err error)
	ReadLightweight(content []byte) (tag string, found bool, err error)
	// Strip removes every location written by this package.
	Strip(content []byte) ([]byte, error)
}

var (
	// ErrMalformed 表示容器结构无法解析。
	ErrMalformed = errors.New("malformed container")
	// ErrTooLarge 表示载荷超出嵌入位置的容量。
	ErrTooLarge = errors.New("payload exceeds embedding location capacity")
)

var formats = []Format{jpegFormat{}, pngFormat{}, genericFormat{}}

// Detect returns the format matching content. Generic matches anything.
func Detect(content []byte) Format {
	for _, f := range formats {
		if f.Match(content) {
			return f
		}
	}
	return genericFormat{}
}

// Strip removes embedded provenance data so the original bytes can be
// hashed again. Content whose container cannot be parsed falls back to the
// generic trailer format.
func Strip(content []byte) []byte {
	f := Detect(content)
	stripped, err := f.Strip(content)
	if err != nil {
		stripped = content
	}
	if f.Kind() != KindGeneric {
		// 格式解析失败时签名会退回到通用尾部块，这里一并清理。
		if trimmed, err := (genericFormat{}).Strip(stripped); err == nil {
			stripped = trimmed
		}
	}
	return stripped
}
