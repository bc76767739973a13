package endpoints

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/status"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

// DownloadStatusEndpoint handles GET /api/status.
type DownloadStatusEndpoint struct{}

func (e *DownloadStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/status", e.handler
}

func (e *DownloadStatusEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Download status
//	@Description	Every tracked download grouped by state, then by id
//	@Tags			downloads
//	@Produce		json
//	@Success		200	{object}	status.Snapshot
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/status [get]
func (e *DownloadStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svcctx.ReporterFrom(r.Context()).Snapshot())
}

func (e *DownloadStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every download by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var snap status.Snapshot
			if err := client.Get(cmd.Context(), "/api/status", &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
}

// infoTimeout bounds a metadata lookup made on behalf of a request.
const infoTimeout = 30 * time.Second

// InfoEndpoint handles GET /api/info/{id}.
type InfoEndpoint struct{}

func (e *InfoEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/info/{id}", e.handler
}

func (e *InfoEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Book details
//	@Description	Extended metadata looked up at the source. Any lookup failure returns 404 with error N/A.
//	@Tags			books
//	@Produce		json
//	@Param			id	path		string	true	"Book ID"
//	@Success		200	{object}	books.Info
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/info/{id} [get]
func (e *InfoEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), infoTimeout)
	defer cancel()

	info, err := svcctx.ManagerFrom(r.Context()).Info(ctx, id)
	if err != nil || info == nil {
		svcctx.LoggerFrom(r.Context()).Debug("info lookup failed", "book_id", id, "error", err)
		writeError(w, http.StatusNotFound, "N/A")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (e *InfoEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show extended metadata for a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var info books.Info
			if err := client.Get(cmd.Context(), "/api/info/"+args[0], &info); err != nil {
				return err
			}
			return api.Output(info)
		},
	}
}
