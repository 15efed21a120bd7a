package export

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	sink "fhem-bridge/internal/sink/domain"
)

// Handler serves readings exports.
type Handler struct {
	readings sink.ReadingLister
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler constructs an export handler.
func NewHandler(readings sink.ReadingLister, logger *zap.Logger) (*Handler, error) {
	if readings == nil {
		return nil, errors.New("export: nil reading lister")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{readings: readings, now: time.Now, logger: logger}, nil
}

// Register mounts the export route on an /api/v1 subrouter.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/readings/export.{format:csv|xlsx|pdf}", h.ServeHTTP).Methods(http.MethodGet)
}

// ServeHTTP renders the format named by the route variable.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := mux.Vars(r)["format"]
	readings, err := h.readings.ListReadings(r.Context())
	if err != nil {
		h.logger.Error("list readings failed", zap.Error(err))
		http.Error(w, "list readings failed", http.StatusInternalServerError)
		return
	}

	generated := h.now()
	var (
		body        []byte
		contentType string
	)
	switch format {
	case "csv":
		body, err = BuildReadingsCSV(readings)
		contentType = "text/csv"
	case "xlsx":
		body, err = BuildReadingsXLSX(readings, generated)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		body, err = BuildReadingsPDF(readings, generated)
		contentType = "application/pdf"
	default:
		http.Error(w, "unsupported format", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("render export failed", zap.String("format", format), zap.Error(err))
		http.Error(w, "render export failed", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("readings-%s.%s", generated.UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
