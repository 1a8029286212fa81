package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pisawatch/tower/pkg/appointment"
	"github.com/pisawatch/tower/pkg/receipt"
)

// Archive persists an issued receipt for later customer-facing lookup.
// Optional: a Handler with a nil Archive still accepts appointments, it
// just has nothing durable to hand a customer asking "where's my receipt".
type Archive interface {
	Put(ctx context.Context, locatorHex, customer string, r receipt.Receipt) error
}

// Handler exposes Service over HTTP: POST /appointments accepts a new
// appointment and returns its signed receipt.
type Handler struct {
	service *Service
	archive Archive
	logger  *log.Logger
}

// NewHandler wraps service. archive may be nil.
func NewHandler(service *Service, archive Archive, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[IntakeAPI] ", log.LstdFlags)
	}
	return &Handler{service: service, archive: archive, logger: logger}
}

type acceptRequest struct {
	Appointment      appointment.Appointment `json:"appointment"`
	EncryptedPayload []byte                  `json:"encryptedPayload"`
	CipherID         uint8                   `json:"cipherId"`
}

// HandleAccept handles POST /appointments.
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	issued, err := h.service.Accept(Request{
		Appointment:      req.Appointment,
		EncryptedPayload: req.EncryptedPayload,
		CipherID:         req.CipherID,
	})
	if err != nil {
		h.logger.Printf("accept appointment %s: %v", req.Appointment.Locator.Hex(), err)
		writeJSONError(w, err.Error(), statusFor(err))
		return
	}

	if h.archive != nil {
		locatorHex := req.Appointment.Locator.Hex()
		if err := h.archive.Put(r.Context(), locatorHex, req.Appointment.Customer.Hex(), issued); err != nil {
			h.logger.Printf("archive receipt %s: %v", locatorHex, err)
		}
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(issued)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrWindowTooShort),
		errors.Is(err, ErrWindowTooLong),
		errors.Is(err, ErrStartBlockPast),
		errors.Is(err, appointment.ErrInvalidMode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
