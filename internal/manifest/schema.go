package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "CredProof/internal/errors"
)

const schemaURL = "credproof://manifest.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *validator.Schema
	schemaErr      error

	supported = semver.MustParse(FormatVersion)
	// 同一主版本内的清单格式向后兼容。
	compatible, _ = semver.NewConstraint("^" + fmt.Sprintf("%d.0.0", supported.Major()))
)

// Schema returns the JSON schema reflected from the Manifest type.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(&Manifest{})
}

func loadSchema() (*validator.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := json.Marshal(Schema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal manifest schema: %w", err)
			return
		}
		c := validator.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// CompatibleVersion reports whether a manifest of version v can be read.
func CompatibleVersion(v string) bool {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return compatible.Check(parsed)
}

// Decode parses untrusted manifest JSON. It returns the manifest together
// with a completeness ratio in [0, 1]. A schema violation still yields the
// salvageable part of the manifest alongside a ValidationError, so callers
// can treat it as a partial candidate.
func Decode(raw []byte) (*Manifest, float64, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeValidation, err, "manifest is not valid json")
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		lenient, ok := salvage(doc)
		if !ok {
			return nil, 0, xerrors.Wrap(xerrors.CodeValidation, err, "manifest does not match expected structure")
		}
		return lenient, completeness(lenient), xerrors.Wrap(xerrors.CodeValidation, err, "manifest partially decoded")
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeUnknown, err, "manifest schema unavailable")
	}
	if err := schema.Validate(doc); err != nil {
		return &m, completeness(&m), xerrors.Wrap(xerrors.CodeValidation, err, "manifest violates schema")
	}
	if !CompatibleVersion(m.Version) {
		return &m, completeness(&m), xerrors.New(xerrors.CodeValidation, "unsupported manifest version",
			xerrors.WithMetadata("version", m.Version))
	}
	return &m, completeness(&m), nil
}

// salvage copies the well-typed fields out of a structurally broken document.
func salvage(doc any) (*Manifest, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}
	m := &Manifest{}
	str := func(key string) string {
		s, _ := obj[key].(string)
		return s
	}
	m.Version = str("version")
	m.InstanceID = str("instance_id")
	m.Generator = str("generator")
	m.CertificateID = str("certificate_id")
	if ts := str("created_at"); ts != "" {
		_ = m.CreatedAt.UnmarshalText([]byte(ts))
	}
	if items, ok := obj["claims"].([]any); ok {
		for _, item := range items {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			label, lok := c["label"].(string)
			value, vok := c["value"].(string)
			if lok && vok {
				m.Claims = append(m.Claims, Claim{Label: label, Value: value})
			}
		}
	}
	return m, true
}

func completeness(m *Manifest) float64 {
	if m == nil {
		return 0
	}
	checks := []bool{
		m.Version != "",
		m.InstanceID != "",
		m.Generator != "",
		!m.CreatedAt.IsZero(),
		m.CertificateID != "",
		len(m.Claims) > 0,
		m.Signed(),
	}
	var n int
	for _, ok := range checks {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(checks))
}
