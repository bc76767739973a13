package endpoints

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

// LocalDownloadEndpoint handles GET /api/localdownload/{id}.
type LocalDownloadEndpoint struct{}

func (e *LocalDownloadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/localdownload/{id}", e.handler
}

func (e *LocalDownloadEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Download a finished book
//	@Description	Stream the ingested file of an available download, while it is still in the ingest directory
//	@Tags			downloads
//	@Produce		octet-stream
//	@Param			id	path		string	true	"Book ID"
//	@Success		200	{file}		binary
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/localdownload/{id} [get]
func (e *LocalDownloadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rec, err := svcctx.StoreFrom(r.Context()).Get(r.PathValue("id"))
	if err != nil || rec.State != books.StateAvailable || rec.ResultPath == "" {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	f, err := os.Open(rec.ResultPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeErr(w, err)
		return
	}

	name := filepath.Base(rec.ResultPath)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

func (e *LocalDownloadEndpoint) Command(getServerURL func() string) *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Copy a finished book from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := outFile
			if target == "" {
				target = args[0] + ".part"
			}
			f, err := os.Create(target)
			if err != nil {
				return err
			}

			client := api.NewClient(getServerURL())
			name, err := client.Download(cmd.Context(), "/api/localdownload/"+args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(target)
				return err
			}

			if outFile == "" && name != "" {
				name = filepath.Base(name)
				if err := os.Rename(target, name); err != nil {
					return err
				}
				target = name
			}
			fmt.Println(target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "file", "f", "", "Destination file (default: server-provided name)")
	return cmd
}
