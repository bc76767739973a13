// Package swagger registers the bookdrop OpenAPI document with swag.
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "API Support",
            "url": "https://github.com/jackzampolin/bookdrop"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/search": {
            "post": {
                "tags": ["books"],
                "summary": "Search the catalog",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/source.Query"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/books.Book"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/info/{id}": {
            "get": {
                "tags": ["books"],
                "summary": "Book details",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/books.Info"}},
                    "404": {"description": "N/A", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/download": {
            "post": {
                "tags": ["downloads"],
                "summary": "Queue a download",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/endpoints.DownloadRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/books.Record"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/download/{id}": {
            "delete": {
                "tags": ["downloads"],
                "summary": "Cancel a download",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/books.Record"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/status": {
            "get": {
                "tags": ["downloads"],
                "summary": "Every download grouped by state",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "object", "additionalProperties": {"$ref": "#/definitions/status.Entry"}}}}
                }
            }
        },
        "/api/localdownload/{id}": {
            "get": {
                "tags": ["downloads"],
                "summary": "Download a finished book",
                "produces": ["application/octet-stream"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "File not found", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/downloads/active": {
            "get": {
                "tags": ["queue"],
                "summary": "Ids held by workers",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"type": "string"}}}}
            }
        },
        "/api/queue/order": {
            "get": {
                "tags": ["queue"],
                "summary": "Queued ids in worker order",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/jobs.QueueItem"}}}}
            }
        },
        "/api/queue/{id}/priority": {
            "put": {
                "tags": ["queue"],
                "summary": "Change a download's priority",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/endpoints.PriorityRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/books.Record"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/queue/reorder": {
            "post": {
                "tags": ["queue"],
                "summary": "Set several priorities at once",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/endpoints.ReorderRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/endpoints.ReorderResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/endpoints.ErrorResponse"}}
                }
            }
        },
        "/api/queue/completed": {
            "delete": {
                "tags": ["queue"],
                "summary": "Remove finished downloads",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/endpoints.ClearResponse"}}}
            }
        },
        "/health": {
            "get": {"tags": ["health"], "summary": "Liveness", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/endpoints.HealthResponse"}}}}
        },
        "/ready": {
            "get": {"tags": ["health"], "summary": "Readiness", "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/endpoints.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/endpoints.HealthResponse"}}
                }}
        },
        "/status": {
            "get": {"tags": ["health"], "summary": "Server status", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "object"}}}}
        }
    },
    "definitions": {
        "books.Book": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "author": {"type": "string"},
                "publisher": {"type": "string"},
                "year": {"type": "string"},
                "language": {"type": "string"},
                "format": {"type": "string"},
                "size": {"type": "string"},
                "preview": {"type": "string"}
            }
        },
        "books.Info": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "author": {"type": "string"},
                "format": {"type": "string"},
                "info": {"type": "object", "additionalProperties": {"type": "array", "items": {"type": "string"}}}
            }
        },
        "books.Record": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "format": {"type": "string"},
                "state": {"type": "string", "enum": ["queued", "downloading", "converting", "available", "error", "cancelled"]},
                "priority": {"type": "integer"},
                "attempt": {"type": "integer"},
                "progress": {"type": "number"},
                "last_error": {"type": "string"},
                "result_path": {"type": "string"}
            }
        },
        "endpoints.DownloadRequest": {
            "type": "object",
            "required": ["id"],
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "author": {"type": "string"},
                "format": {"type": "string"},
                "priority": {"type": "integer"}
            }
        },
        "endpoints.ErrorResponse": {"type": "object", "properties": {"error": {"type": "string"}}},
        "endpoints.HealthResponse": {"type": "object", "properties": {"status": {"type": "string"}, "manager": {"type": "string"}}},
        "endpoints.PriorityRequest": {"type": "object", "properties": {"priority": {"type": "integer"}}},
        "endpoints.ReorderRequest": {"type": "object", "properties": {"priorities": {"type": "object", "additionalProperties": {"type": "integer"}}}},
        "endpoints.ReorderResponse": {"type": "object", "properties": {"updated": {"type": "array", "items": {"type": "string"}}}},
        "endpoints.ClearResponse": {"type": "object", "properties": {"removed": {"type": "array", "items": {"type": "string"}}}},
        "jobs.QueueItem": {"type": "object", "properties": {"id": {"type": "string"}, "priority": {"type": "integer"}, "position": {"type": "integer"}}},
        "source.Query": {
            "type": "object",
            "properties": {
                "query": {"type": "string"},
                "author": {"type": "string"},
                "title": {"type": "string"},
                "isbn": {"type": "string"},
                "lang": {"type": "array", "items": {"type": "string"}},
                "format": {"type": "array", "items": {"type": "string"}},
                "sort": {"type": "string"},
                "content": {"type": "array", "items": {"type": "string"}}
            }
        },
        "status.Entry": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "author": {"type": "string"},
                "format": {"type": "string"},
                "progress": {"type": "number"},
                "priority": {"type": "integer"},
                "attempt": {"type": "integer"},
                "error": {"type": "string"},
                "ingested": {"type": "boolean"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8084",
	BasePath:         "/",
	Schemes:          []string{"http", "https"},
	Title:            "Bookdrop API",
	Description:      "Search a book catalog and queue downloads into a library ingest directory.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
