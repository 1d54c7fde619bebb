package controller

import (
	"fmt"
	"net/http"

	"github.com/unclebandit/campaign-mailer/internal/observability"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// QueueController serves the operator queue endpoints.
type QueueController struct {
	QueueService *service.QueueService
	Processor    *service.Processor
	Logger       *observability.Logger
}

func (c *QueueController) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body service.EnqueueInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	msg, err := c.QueueService.Enqueue(r.Context(), body)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusCreated, "message queued", map[string]any{"message_id": msg.ID})
}

func (c *QueueController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.QueueService.Stats(r.Context())
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *QueueController) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	msg, err := c.QueueService.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "ok", map[string]any{"queued_message": msg})
}

func (c *QueueController) RetryMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if err := c.QueueService.Retry(r.Context(), id); err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "message requeued", nil)
}

func (c *QueueController) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	ok, err := c.QueueService.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	if !ok {
		writeResult(w, http.StatusConflict, fmt.Sprintf("message %d is not pending", id), nil)
		return
	}
	writeResult(w, http.StatusOK, "message cancelled", nil)
}

func (c *QueueController) CancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := c.QueueService.CancelAll(r.Context())
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("%d pending messages cancelled", n), map[string]any{"cancelled": n})
}

func (c *QueueController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := c.QueueService.RetryFailed(r.Context())
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("%d failed messages requeued", n), map[string]any{"requeued": n})
}

// Process runs the processor synchronously.
func (c *QueueController) Process(w http.ResponseWriter, r *http.Request) {
	res, err := c.Processor.Run(r.Context())
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeResult(w, http.StatusOK, "processor run finished", map[string]any{"result": res})
}

func (c *QueueController) RecentLog(w http.ResponseWriter, r *http.Request) {
	entries, err := c.QueueService.RecentLog(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
