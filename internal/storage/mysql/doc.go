// Package mysql implements the durable proof backend on MySQL. It owns the
// connection pool settings and applies the embedded schema migrations on
// start-up.
package mysql
