// Package docs holds the swagger spec internal/adminhttp mounts via
// gin-swagger. Normally produced by `swag init` from the @-annotations on
// internal/adminhttp's handlers; committed by hand here since this repo's
// build step doesn't run the swag CLI. Regenerate with `swag init -g
// adminhttp.go -d internal/adminhttp -o internal/adminhttp/docs` whenever
// a handler's annotations change.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {
            "get": {
                "description": "term, role, recognized leader, commit index, log size, and cluster id",
                "produces": ["application/json"],
                "tags": ["raft"],
                "summary": "Report this node's current raft status",
                "responses": {
                    "200": { "description": "OK" }
                }
            }
        },
        "/debug/journal": {
            "get": {
                "description": "fetch a small window of the replicated log for inspection",
                "produces": ["application/json"],
                "tags": ["raft"],
                "summary": "Dump a range of journal entries",
                "parameters": [
                    { "name": "from", "in": "query", "type": "integer" },
                    { "name": "count", "in": "query", "type": "integer" }
                ],
                "responses": {
                    "200": { "description": "OK" }
                }
            }
        }
    }
}`

// SwaggerInfo holds exported swagger.json metadata, mirroring the
// struct swag init would emit into this file.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "quarkraft admin API",
	Description:      "Operability surface: status, prometheus metrics, journal introspection. The client-facing protocol is RESP over TCP, documented in spec.md, not this HTTP surface.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
