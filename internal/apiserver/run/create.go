package run

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/validator"
)

// attachmentFetchTimeout and attachmentFetchBackoffs implement spec §5's
// outbound-HTTP policy for workflow_attachment_obj entries that name a
// remote URL rather than an uploaded file.
const attachmentFetchTimeout = 10 * time.Second

var attachmentFetchBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

const maxFetchedAttachmentBytes = 10 * 1024 * 1024 * 1024

// maxMultipartMemory bounds how much of a POST /runs body ParseMultipartForm
// buffers in memory before spilling attachment parts to temp files.
const maxMultipartMemory = 32 << 20

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		httputil.WriteError(w, apierr.New(apierr.KindInvalidRequest, "missing or invalid Content-Type"))
		return
	}

	var result *validator.Result
	if strings.HasPrefix(contentType, "multipart/") {
		if err = r.ParseMultipartForm(maxMultipartMemory); err != nil {
			httputil.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "parse multipart form", err))
			return
		}
		result, err = h.val.ValidateMultipart(r)
	} else if contentType == "application/json" {
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 64*1024*1024))
		if readErr != nil {
			httputil.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "read request body", readErr))
			return
		}
		result, err = h.val.ValidateJSON(body)
	} else {
		httputil.WriteError(w, apierr.New(apierr.KindInvalidRequest, "Content-Type must be multipart/form-data or application/json"))
		return
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	attachments := make([]runstore.Attachment, 0, len(result.Attachments)+len(result.Request.WorkflowAttachment))
	for _, a := range result.Attachments {
		attachments = append(attachments, runstore.Attachment{FileName: a.FileName, Content: a.Content})
	}

	// workflow_attachment_obj entries carry a URL, not bytes; multipart
	// uploads are already resolved above, so only fetch entries that didn't
	// arrive as an actual multipart part.
	uploaded := make(map[string]bool, len(result.Attachments))
	for _, a := range result.Attachments {
		uploaded[a.FileName] = true
	}
	for _, obj := range result.Request.WorkflowAttachment {
		if uploaded[obj.FileName] {
			continue
		}
		content, ferr := fetchAttachment(r.Context(), obj.FileURL)
		if ferr != nil {
			httputil.WriteError(w, ferr)
			return
		}
		attachments = append(attachments, runstore.Attachment{FileName: obj.FileName, Content: content})
	}

	var username *string
	if caller := h.callerUsername(r); caller != "" {
		username = &caller
	}

	runID, err := h.store.Create(&result.Request, username, result.WorkflowParams, attachments)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.sv.Dispatch(runID); err != nil {
		h.log.Error("dispatch failed", "run_id", runID, "error", err)
		// Create already succeeded and recorded SYSTEM_ERROR via Dispatch;
		// the run_id is still valid to return so the client can inspect why.
	}
	if h.metrics != nil {
		h.metrics.RecordCreated()
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

// fetchAttachment resolves a workflow_attachment_obj entry naming a remote
// URL, retrying transient failures per spec §5. Non-http(s) file_urls are
// rejected: without an existing run directory there is nothing to resolve
// them against yet.
func fetchAttachment(ctx context.Context, fileURL string) ([]byte, error) {
	u, err := url.Parse(fileURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apierr.New(apierr.KindInvalidRequest, fmt.Sprintf("workflow_attachment_obj file_url %q is not a fetchable http(s) URL", fileURL))
	}

	client := &http.Client{Timeout: attachmentFetchTimeout}
	var lastErr error
	for attempt := 0; ; attempt++ {
		content, err := fetchOnce(ctx, client, fileURL)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if attempt >= len(attachmentFetchBackoffs) {
			break
		}
		select {
		case <-time.After(attachmentFetchBackoffs[attempt]):
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindUpstream, "fetch workflow attachment", ctx.Err())
		}
	}
	return nil, apierr.Wrap(apierr.KindUpstream, "fetch workflow attachment "+fileURL, lastErr)
}

func fetchOnce(ctx context.Context, client *http.Client, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchedAttachmentBytes))
}
