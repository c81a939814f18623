// Copyright (c) ProofFlow Authors.
// Licensed under the MIT License.

// Package ctxkeys 定义 HTTP 请求范围内的 context 键。
// 作业、租户与追踪相关的键位于 types 包，本包只承载中间件写入的值。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	authSubjectKey contextKey = "auth_subject"
	authMethodKey  contextKey = "auth_method"
)

// 认证方式
const (
	AuthMethodAPIKey = "api_key"
	AuthMethodJWT    = "jwt"
)

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithAuth 记录认证主体与认证方式
func WithAuth(ctx context.Context, subject, method string) context.Context {
	ctx = context.WithValue(ctx, authSubjectKey, subject)
	return context.WithValue(ctx, authMethodKey, method)
}

// AuthSubject 获取认证主体（JWT sub 或 API Key 标签）
func AuthSubject(ctx context.Context) (string, bool) {
	return stringValue(ctx, authSubjectKey)
}

// AuthMethod 获取认证方式
func AuthMethod(ctx context.Context) (string, bool) {
	return stringValue(ctx, authMethodKey)
}
