package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

// DownloadRequest queues a book. Metadata fields are optional; missing ones
// are looked up at the source.
type DownloadRequest struct {
	books.Book
	Priority int `json:"priority,omitempty"`
}

// DownloadEndpoint handles POST /api/download.
type DownloadEndpoint struct{}

func (e *DownloadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/download", e.handler
}

func (e *DownloadEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Queue a download
//	@Description	Queue a book for download. Requesting a book that is already in progress returns the existing record.
//	@Tags			downloads
//	@Accept			json
//	@Produce		json
//	@Param			request	body		DownloadRequest	true	"Book to download"
//	@Success		200		{object}	books.Record
//	@Failure		400		{object}	ErrorResponse
//	@Failure		429		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/download [post]
func (e *DownloadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	rec, err := svcctx.ManagerFrom(r.Context()).Enqueue(r.Context(), req.Book, req.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *DownloadEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req DownloadRequest
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Queue a book for download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			client := api.NewClient(getServerURL())
			var rec books.Record
			if err := client.Post(cmd.Context(), "/api/download", req, &rec); err != nil {
				return err
			}
			return api.Output(rec)
		},
	}
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Queue priority (higher runs first)")
	cmd.Flags().StringVar(&req.Title, "title", "", "Book title")
	cmd.Flags().StringVar(&req.Author, "author", "", "Book author")
	cmd.Flags().StringVar(&req.Format, "format", "", "File format")
	return cmd
}

// CancelEndpoint handles DELETE /api/download/{id}.
type CancelEndpoint struct{}

func (e *CancelEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/download/{id}", e.handler
}

func (e *CancelEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Cancel a download
//	@Description	Cancel a queued or running download. Cancelling a finished download is a no-op.
//	@Tags			downloads
//	@Produce		json
//	@Param			id	path		string	true	"Book ID"
//	@Success		200	{object}	books.Record
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/download/{id} [delete]
func (e *CancelEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rec, err := svcctx.ManagerFrom(r.Context()).Cancel(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *CancelEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var rec books.Record
			if err := client.Delete(cmd.Context(), "/api/download/"+args[0], &rec); err != nil {
				return err
			}
			return api.Output(rec)
		},
	}
}
