package container

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	tagPrefix  = "credproof:"
	tagVersion = "v1"
)

// Tag is the lightweight marker. It always names the proof reference and
// the manifest digest, and carries the compressed manifest when it fits.
type Tag struct {
	Reference string
	Digest    string
	Manifest  []byte
}

// String renders the tag, e.g. credproof:v1;ref=pr_..;digest=sha256:..;m=...
func (t Tag) String() string {
	var b strings.Builder
	b.WriteString(tagPrefix + tagVersion)
	b.WriteString(";ref=" + t.Reference)
	b.WriteString(";digest=" + t.Digest)
	if len(t.Manifest) > 0 {
		b.WriteString(";m=" + base64.RawURLEncoding.EncodeToString(compress(t.Manifest)))
	}
	return b.String()
}

// ParseTag parses a lightweight tag.
func ParseTag(s string) (Tag, error) {
	var t Tag
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, tagPrefix) {
		return t, fmt.Errorf("%w: not a credproof tag", ErrMalformed)
	}
	fields := strings.Split(strings.TrimPrefix(s, tagPrefix), ";")
	if fields[0] != tagVersion {
		return t, fmt.Errorf("%w: unsupported tag version %q", ErrMalformed, fields[0])
	}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "ref":
			t.Reference = value
		case "digest":
			t.Digest = value
		case "m":
			raw, err := base64.RawURLEncoding.DecodeString(value)
			if err != nil {
				return t, fmt.Errorf("%w: tag manifest encoding: %v", ErrMalformed, err)
			}
			if t.Manifest, err = decompress(raw); err != nil {
				return t, err
			}
		}
	}
	if t.Reference == "" {
		return t, fmt.Errorf("%w: tag without reference", ErrMalformed)
	}
	return t, nil
}
