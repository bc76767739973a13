// Package docs provides generated OpenAPI documentation.
//
// Bookdrop API
//
//	@title			Bookdrop API
//	@version		1.0
//	@description	Search a book catalog and queue downloads into a library ingest directory.
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/bookdrop
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8084
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/bookdrop/serve.go -o ./swagger --parseDependency --parseInternal
