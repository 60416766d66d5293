package server

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/analysis"
	"github.com/sells-group/evidence-cli/internal/export"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
	"github.com/sells-group/evidence-cli/internal/table"
)

const (
	headerOwner   = "X-Owner-ID"
	fieldFile     = "file"
	fieldFiles    = "files"
	defaultUpload = "upload.pdf"
	xlsxMIME      = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// handleAnalyze accepts either a multipart upload in the "file" field or
// the raw document as the request body.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())

	var (
		data []byte
		name string
		err  error
	)
	if isMultipart(r) {
		if err := r.ParseMultipartForm(s.maxUpload()); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		fh, hdr, ferr := r.FormFile(fieldFile)
		if ferr != nil {
			writeError(w, http.StatusBadRequest, `missing "file" field`)
			return
		}
		data, err = io.ReadAll(fh)
		_ = fh.Close()
		name = hdr.Filename
	} else {
		data, err = io.ReadAll(r.Body)
		name = r.URL.Query().Get("file_name")
	}
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty document")
		return
	}
	if name == "" {
		name = defaultUpload
	}

	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := s.analyzer.Run(r.Context(), analysis.Request{
		OwnerID:    s.owner(r),
		Data:       data,
		FileName:   name,
		FeatureTag: r.FormValue("feature"),
		Options:    opts,
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleAnalyzeBatch accepts many documents in the multipart "files" field.
func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	if !isMultipart(r) {
		writeError(w, http.StatusBadRequest, "batch requires a multipart body")
		return
	}
	if err := r.ParseMultipartForm(s.maxUpload()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	files := r.MultipartForm.File[fieldFiles]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, `missing "files" field`)
		return
	}

	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "concurrency")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner, feature := s.owner(r), r.FormValue("feature")
	reqs := make([]analysis.Request, 0, len(files))
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		reqs = append(reqs, analysis.Request{OwnerID: owner, Data: data, FileName: fh.Filename, FeatureTag: feature, Options: opts})
	}

	writeJSON(w, http.StatusOK, s.analyzer.RunBatch(r.Context(), reqs, limit))
}

func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	list, err := s.store.ListIngestions(r.Context(), store.IngestionFilter{
		OwnerID: q.Get("owner"),
		Status:  model.IngestionStatus(q.Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	if list == nil {
		list = []model.Ingestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingestions": list, "count": len(list)})
}

func (s *Server) handleGetIngestion(w http.ResponseWriter, r *http.Request) {
	ing, err := s.store.GetIngestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ing)
}

// tableView is a stored table with its trust verdict.
type tableView struct {
	model.ExtractedTable
	Trusted bool `json:"trusted"`
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.exists(w, r, id) {
		return
	}
	tables, err := s.store.GetExtractedTables(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	views := make([]tableView, len(tables))
	for i, t := range tables {
		views[i] = tableView{ExtractedTable: t, Trusted: table.Trusted(t.Confidence, s.threshold)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": views, "threshold": s.threshold})
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.exists(w, r, id) {
		return
	}
	points, err := s.store.GetDataPoints(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if points == nil {
		points = []model.DataPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Server) handleComputeRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.exists(w, r, id) {
		return
	}
	runs, err := s.store.GetComputeRuns(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.ComputeRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"compute_runs": runs})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	wb, err := export.Load(r.Context(), s.store, chi.URLParam(r, "id"), s.threshold)
	if err != nil {
		s.storeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := wb.Write(&buf); err != nil {
		zap.L().Error("server: export", zap.String("ingestion_id", wb.Ingestion.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	name := strings.TrimSuffix(wb.Ingestion.FileName, ".pdf") + ".xlsx"
	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) exists(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.store.GetIngestion(r.Context(), id); err != nil {
		s.storeError(w, err)
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("server: store", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) owner(r *http.Request) string {
	if o := r.Header.Get(headerOwner); o != "" {
		return o
	}
	if o := r.FormValue("owner"); o != "" {
		return o
	}
	return s.cfg.DefaultOwner
}

func (s *Server) maxUpload() int64 {
	return int64(s.cfg.MaxUploadMB) << 20
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

// parseOptions reads per-request overrides from the query string or form.
func parseOptions(r *http.Request) (analysis.Options, error) {
	var opts analysis.Options
	if v := r.FormValue("min_table_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return opts, eris.New("min_table_confidence must be a number within [0,1]")
		}
		opts.MinTableConfidence = f
	}
	if v := r.FormValue("run_analysis"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, eris.New("run_analysis must be a boolean")
		}
		opts.RunAnalysis = &b
	}
	for name, dst := range map[string]*bool{"skip_markdown": &opts.SkipMarkdown, "force": &opts.Force} {
		if v := r.FormValue(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return opts, eris.Errorf("%s must be a boolean", name)
			}
			*dst = b
		}
	}
	secs, err := intParam(r, "timeout_secs")
	if err != nil {
		return opts, err
	}
	opts.Timeout = time.Duration(secs) * time.Second
	return opts, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
