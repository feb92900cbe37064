package api

import (
	"errors"
	"io"
	"net/http"

	"custos/catalog"
	"custos/core"
)

// importCatalog bulk-loads frameworks and controls from a JSON catalog
// document. The body is validated against the catalog schema before
// anything is written. Admin only.
//
// POST /api/frameworks/import
func (a *API) importCatalog(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(a.config.API.JSONBodyLimit))
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Catalog exceeds size limit", err, a.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body", err, a.logger)
		return
	}

	cat, err := catalog.ParseJSON(data)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		} else {
			writeError(w, http.StatusBadRequest, "Invalid catalog document", err, a.logger)
		}
		return
	}

	result, err := catalog.Import(r.Context(), a.frameworks, a.controls, cat, a.logger)
	if err != nil {
		a.writeStorageError(w, err, "catalog")
		return
	}

	a.recordAudit(r, "catalog.import", "catalog", "", "")
	a.logger.Infow("AUDIT: catalog imported",
		"frameworks_created", result.FrameworksCreated,
		"frameworks_skipped", result.FrameworksSkipped,
		"controls_created", result.ControlsCreated)
	respondJSON(w, http.StatusOK, result, a.logger)
}
