package endpoints

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/status"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

const queueGroup = "queue"

// PriorityRequest sets a record's priority.
type PriorityRequest struct {
	Priority int `json:"priority"`
}

// SetPriorityEndpoint handles PUT /api/queue/{id}/priority.
type SetPriorityEndpoint struct{}

func (e *SetPriorityEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/queue/{id}/priority", e.handler
}

func (e *SetPriorityEndpoint) RequiresInit() bool { return true }
func (e *SetPriorityEndpoint) Group() string      { return queueGroup }

// handler godoc
//
//	@Summary		Set priority
//	@Description	Change the priority of a download that has not finished. Lower values run first.
//	@Tags			queue
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Book ID"
//	@Param			request	body		PriorityRequest	true	"New priority"
//	@Success		200		{object}	books.Record
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/api/queue/{id}/priority [put]
func (e *SetPriorityEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := svcctx.ManagerFrom(r.Context()).SetPriority(r.PathValue("id"), req.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *SetPriorityEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <id> <priority>",
		Short: "Change a download's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid priority %q: %w", args[1], err)
			}
			client := api.NewClient(getServerURL())
			var rec books.Record
			if err := client.Put(cmd.Context(), "/api/queue/"+args[0]+"/priority", PriorityRequest{Priority: p}, &rec); err != nil {
				return err
			}
			return api.Output(rec)
		},
	}
}

// ReorderRequest sets several priorities at once.
type ReorderRequest struct {
	Priorities map[string]int `json:"priorities"`
}

// ReorderResponse lists the ids whose priority changed.
type ReorderResponse struct {
	Updated []string `json:"updated"`
}

// ReorderEndpoint handles POST /api/queue/reorder.
type ReorderEndpoint struct{}

func (e *ReorderEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/queue/reorder", e.handler
}

func (e *ReorderEndpoint) RequiresInit() bool { return true }
func (e *ReorderEndpoint) Group() string      { return queueGroup }

// handler godoc
//
//	@Summary		Reorder queue
//	@Description	Apply several priority changes. Unknown or finished ids are skipped.
//	@Tags			queue
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ReorderRequest	true	"id to priority"
//	@Success		200		{object}	ReorderResponse
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/queue/reorder [post]
func (e *ReorderEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Priorities) == 0 {
		writeError(w, http.StatusBadRequest, "priorities is required")
		return
	}
	updated := svcctx.ManagerFrom(r.Context()).Reorder(req.Priorities)
	if updated == nil {
		updated = []string{}
	}
	writeJSON(w, http.StatusOK, ReorderResponse{Updated: updated})
}

func (e *ReorderEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <id=priority>...",
		Short: "Set several priorities at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ReorderRequest{Priorities: make(map[string]int, len(args))}
			for _, arg := range args {
				id, val, ok := strings.Cut(arg, "=")
				if !ok || id == "" {
					return fmt.Errorf("expected id=priority, got %q", arg)
				}
				p, err := strconv.Atoi(val)
				if err != nil {
					return fmt.Errorf("invalid priority for %s: %w", id, err)
				}
				req.Priorities[id] = p
			}
			client := api.NewClient(getServerURL())
			var resp ReorderResponse
			if err := client.Post(cmd.Context(), "/api/queue/reorder", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// QueueOrderEndpoint handles GET /api/queue/order.
type QueueOrderEndpoint struct{}

func (e *QueueOrderEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/queue/order", e.handler
}

func (e *QueueOrderEndpoint) RequiresInit() bool { return true }
func (e *QueueOrderEndpoint) Group() string      { return queueGroup }

// handler godoc
//
//	@Summary		Queue order
//	@Description	Queued downloads in the order workers will take them
//	@Tags			queue
//	@Produce		json
//	@Success		200	{array}	status.QueuedEntry
//	@Router			/api/queue/order [get]
func (e *QueueOrderEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	order := svcctx.ReporterFrom(r.Context()).QueueOrder()
	if order == nil {
		order = []status.QueuedEntry{}
	}
	writeJSON(w, http.StatusOK, order)
}

func (e *QueueOrderEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Show queued downloads in worker order",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []status.QueuedEntry
			if err := client.Get(cmd.Context(), "/api/queue/order", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ActiveEndpoint handles GET /api/downloads/active.
type ActiveEndpoint struct{}

func (e *ActiveEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/downloads/active", e.handler
}

func (e *ActiveEndpoint) RequiresInit() bool { return true }
func (e *ActiveEndpoint) Group() string      { return queueGroup }

// handler godoc
//
//	@Summary		Active downloads
//	@Description	Downloads currently held by a worker
//	@Tags			queue
//	@Produce		json
//	@Success		200	{array}	status.Entry
//	@Router			/api/downloads/active [get]
func (e *ActiveEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svcctx.ReporterFrom(r.Context()).Active())
}

func (e *ActiveEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show downloads held by a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []status.Entry
			if err := client.Get(cmd.Context(), "/api/downloads/active", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ClearResponse lists removed ids.
type ClearResponse struct {
	Removed []string `json:"removed"`
}

// ClearCompletedEndpoint handles DELETE /api/queue/completed.
type ClearCompletedEndpoint struct{}

func (e *ClearCompletedEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/queue/completed", e.handler
}

func (e *ClearCompletedEndpoint) RequiresInit() bool { return true }
func (e *ClearCompletedEndpoint) Group() string      { return queueGroup }

// handler godoc
//
//	@Summary		Clear finished downloads
//	@Description	Remove every available, error and cancelled record
//	@Tags			queue
//	@Produce		json
//	@Success		200	{object}	ClearResponse
//	@Router			/api/queue/completed [delete]
func (e *ClearCompletedEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	removed := svcctx.ManagerFrom(r.Context()).ClearCompleted()
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, ClearResponse{Removed: removed})
}

func (e *ClearCompletedEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove finished downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ClearResponse
			if err := client.Delete(cmd.Context(), "/api/queue/completed", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
