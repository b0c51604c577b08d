// Package api 内嵌 HTTP 接口的 OpenAPI 描述
package api

import "embed"

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

// SpecPath 主接口描述在 OpenAPIFS 中的路径
const SpecPath = "openapi/bugpilot.yaml"

// OpenAPI 返回主接口描述
func OpenAPI() ([]byte, error) {
	return OpenAPIFS.ReadFile(SpecPath)
}
