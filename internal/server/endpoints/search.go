package endpoints

import (
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/source"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

// SearchEndpoint handles POST /api/search.
type SearchEndpoint struct{}

func (e *SearchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/search", e.handler
}

func (e *SearchEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Search the catalog
//	@Description	Search the configured catalog. Results are ordered by supported format.
//	@Tags			books
//	@Accept			json
//	@Produce		json
//	@Param			request	body		source.Query	true	"Search query"
//	@Success		200		{array}		books.Book
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/search [post]
func (e *SearchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var q source.Query
	if !decodeBody(w, r, &q) {
		return
	}
	if err := q.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src := svcctx.SourceFrom(r.Context())
	if src == nil {
		writeError(w, http.StatusServiceUnavailable, "source not initialized")
		return
	}

	results, err := src.Search(r.Context(), q)
	if err != nil {
		svcctx.LoggerFrom(r.Context()).Error("search failed", "query", q.Terms(), "error", err)
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []books.Book{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (e *SearchEndpoint) Command(getServerURL func() string) *cobra.Command {
	var q source.Query
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Text = strings.Join(args, " ")
			client := api.NewClient(getServerURL())
			var resp []books.Book
			if err := client.Post(cmd.Context(), "/api/search", q, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&q.Author, "author", "", "Author filter")
	cmd.Flags().StringVar(&q.Title, "title", "", "Title filter")
	cmd.Flags().StringVar(&q.ISBN, "isbn", "", "ISBN filter")
	cmd.Flags().StringSliceVar(&q.Lang, "lang", nil, "Languages")
	cmd.Flags().StringSliceVar(&q.Format, "format", nil, "Formats")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "Sort order")
	cmd.Flags().StringSliceVar(&q.Content, "content", nil, "Content types")
	return cmd
}
