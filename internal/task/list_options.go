package task

import (
	"strings"
	"time"

	xerrors "CredProof/internal/errors"
)

// 列表查询的分页上限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// SortOrder 决定任务列表按 updated_at 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// ListOptions 是 Store.List 与 Store.Stats 共用的过滤条件。零值表示不过滤。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	ErrorCodes []xerrors.Code
	// UpdatedGTE / UpdatedLTE 为 Unix 秒，0 表示不限。
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	// Query 对任务 ID、metadata 值与最近一次错误做子串匹配。
	Query string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = dedupe(opts.Statuses, IsValidStatus)
	opts.ErrorCodes = dedupe(opts.ErrorCodes, func(c xerrors.Code) bool { return c != "" })
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 以函数式选项修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithErrorCodes 只返回最近一次失败原因为给定错误码的任务。
func WithErrorCodes(codes ...xerrors.Code) ListOption {
	return func(opts *ListOptions) {
		opts.ErrorCodes = append([]xerrors.Code(nil), codes...)
	}
}

// WithUpdatedSince 过滤 updated_at >= ts 的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 过滤 updated_at <= ts 的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有验证结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// dedupe 去重并丢弃 keep 返回 false 的值，结果为空时返回 nil。
func dedupe[T comparable](input []T, keep func(T) bool) []T {
	var out []T
	seen := make(map[T]struct{}, len(input))
	for _, v := range input {
		if !keep(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
