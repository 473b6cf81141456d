// Package api exposes signing, verification, proof lookup, certificate
// status and batch verification jobs over HTTP.
package api
