package handler

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/media"
)

// sniffLen is how much of an upload is inspected when its declared type is unusable.
const sniffLen = 3072

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxVideoSize+(1<<20))

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(ctx, "UploadNoFile"))
		return
	}
	var part io.ReadCloser
	var declared string
	for {
		p, err := mr.NextPart()
		if err != nil {
			writeError(w, http.StatusBadRequest, appI18n.T(ctx, "UploadNoFile"))
			return
		}
		if p.FormName() == "file" && p.FileName() != "" {
			part, declared = p, p.Header.Get("Content-Type")
			break
		}
		p.Close()
	}
	defer part.Close()

	br := bufio.NewReaderSize(part, sniffLen)
	head, _ := br.Peek(sniffLen)
	mimeType := media.Sniff(declared, head)

	kind, err := media.Validate(mimeType, 0)
	if err != nil {
		h.uploadError(w, r, err)
		return
	}

	stored, err := h.storage.Save(kind, mimeType, br, media.MaxSize(kind))
	if err != nil {
		h.uploadError(w, r, err)
		return
	}
	slog.Info("media stored", "url", stored.URL, "kind", kind, "size", humanize.IBytes(uint64(stored.Size)))
	writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var verr *media.ValidationError
	var maxErr *http.MaxBytesError
	if errors.As(err, &verr) {
		// Clients expect a response only after their body is consumed.
		_, _ = io.Copy(io.Discard, r.Body)
	}
	switch {
	case errors.As(err, &verr) && verr.Reason == media.RejectType:
		writeError(w, http.StatusBadRequest, appI18n.Td(ctx, "UploadUnsupportedType", map[string]any{"Type": verr.Type}))
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, appI18n.Td(ctx, "UploadTooLarge", map[string]any{
			"Size":  humanize.IBytes(uint64(verr.Size)),
			"Kind":  string(verr.Kind),
			"Limit": humanize.IBytes(uint64(verr.Limit)),
		}))
	case errors.As(err, &maxErr):
		writeError(w, http.StatusBadRequest, appI18n.Td(ctx, "UploadTooLarge", map[string]any{
			"Size":  "> " + humanize.IBytes(uint64(maxErr.Limit)),
			"Kind":  string(media.KindVideo),
			"Limit": humanize.IBytes(uint64(media.MaxVideoSize)),
		}))
	case errors.Is(err, media.ErrStorageFull):
		slog.Error("media storage full", "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, "StorageFull"))
	case errors.Is(err, media.ErrStoragePermission):
		slog.Error("media storage not writable", "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, "StoragePermission"))
	default:
		slog.Error("upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, appI18n.T(ctx, "UploadFailed"))
	}
}

func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	h.storage.Serve(w, r, chi.URLParam(r, "*"))
}
