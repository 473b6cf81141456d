// Package redis provides the distributed L2 proof cache shared by every
// credproofd replica. Entries are JSON encoded proof records stored under a
// configurable key prefix with a TTL.
package redis
