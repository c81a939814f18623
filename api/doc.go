// Package api 定义 ProofFlow REST API 的请求与响应结构。
//
// # API 概览
//
// REST API 面向提交证明作业的客户端：
//   - 上传程序镜像（POST /v1/images/{id}），ID 必须等于 ELF 的 SHA-256
//   - 上传输入（POST /v1/inputs），返回新生成的输入 ID
//   - 提交作业（POST /v1/jobs）并查询状态（GET /v1/jobs/{id}）
//   - 下载最终 STARK 收据（GET /v1/receipts/{id}）
//   - 健康检查（/health、/healthz、/ready、/version）
//
// 所有 JSON 响应使用统一信封 {success, data, error}。
//
// # 认证
//
// 配置了 API Key 时通过 X-API-Key 请求头认证；配置了 JWT 密钥时
// 通过 Authorization: Bearer 认证，JWT 的 sub 作为租户 ID：
//
//	X-API-Key: your-api-key
//
// # 默认地址
//
//	http://localhost:8080
package api
