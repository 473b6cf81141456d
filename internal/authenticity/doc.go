// Package authenticity wires the signing and verification pipelines
// together. Sign fingerprints content once, builds and signs a manifest,
// stores the proof and embeds it; Verify recovers a manifest from the
// content or the proof store and turns the checks into a trust assessment.
package authenticity
