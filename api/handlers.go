/*
handlers.go - HTTP handlers for the credit market

PURPOSE:
  Exposes the market engine via REST. Handles HTTP request/response,
  JSON serialization and validation, and delegates to domain logic.

ENDPOINTS:
  Lots (authenticated):
    POST   /api/lots                  Submit a sell lot (Pending)
    GET    /api/lots                  List caller's lots
    GET    /api/lots/{id}             Get one lot
    POST   /api/lots/{id}/cancel      Owner-cancel a pending lot

  Purchases (authenticated):
    POST   /api/purchases             Buy credits from the approved pool
    POST   /api/purchases/retry       Re-run a confirmed settlement's commit

  Admin (authenticated + admin):
    GET    /api/admin/lots/pending    Review queue
    POST   /api/admin/lots/{id}/review Approve or reject
    POST   /api/admin/transfers       Record a credit transfer entry

  Public:
    GET    /api/supply                Available-supply aggregate
    GET    /api/ledger                Ledger entries (?wallet= to filter)

ERROR HANDLING:
  Domain errors map to HTTP status via mapDomainError:
  - 400: validation, notes-required
  - 404: unknown lot / non-owned lot
  - 409: invalid lifecycle stage, duplicate submission, insufficient supply
  - 502: settlement failure (hash included when the commit must be retried)
  - 503: allocation contention

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/verdant/credit-market/auth"
	"github.com/verdant/credit-market/market"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *market.Engine
	Review   *market.ReviewService
	Lots     market.LotStore
	Ledger   *market.GuardedLedger
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a handler over the market services.
func NewHandler(engine *market.Engine, review *market.ReviewService, lots market.LotStore, ledger *market.GuardedLedger, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Review:   review,
		Lots:     lots,
		Ledger:   ledger,
		validate: validator.New(),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// SubmitLot registers a new Pending lot for the caller.
// POST /api/lots
func (h *Handler) SubmitLot(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	var req SubmitLotRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	price := market.MustParsePrice(req.UnitPrice)
	if price.IsZero() || price.IsNegative() {
		writeError(w, http.StatusBadRequest, "unit_price must be a positive decimal", nil)
		return
	}

	lot, err := h.Review.SubmitLot(r.Context(), caller.OwnerID, caller.WalletAddress, req.Amount, price, req.Description)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLotDTO(*lot))
}

// ListMyLots returns the caller's lots, newest first.
// GET /api/lots
func (h *Handler) ListMyLots(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	lots, err := h.Lots.ListByOwner(r.Context(), caller.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list lots", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// GetLot returns a single lot.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.Lots.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(*lot))
}

// CancelLot rejects the caller's own pending lot.
// POST /api/lots/{id}/cancel
func (h *Handler) CancelLot(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	lot, err := h.Review.Cancel(r.Context(), chi.URLParam(r, "id"), caller.OwnerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(*lot))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListPendingLots returns the review queue.
// GET /api/admin/lots/pending
func (h *Handler) ListPendingLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Lots.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending lots", err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// ReviewLot approves or rejects a pending lot.
// POST /api/admin/lots/{id}/review
func (h *Handler) ReviewLot(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	var req ReviewLotRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	lot, err := h.Review.Review(r.Context(), chi.URLParam(r, "id"), caller.OwnerID,
		market.ReviewDecision(req.Decision), req.Notes)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(*lot))
}

// RecordTransfer appends a TransferIn/TransferOut ledger entry.
// POST /api/admin/transfers
func (h *Handler) RecordTransfer(w http.ResponseWriter, r *http.Request) {
	var req RecordTransferRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	entry, err := h.Engine.RecordTransfer(r.Context(), req.OwnerID, req.WalletAddress,
		market.Direction(req.Direction), req.Amount, req.TransactionHash, req.Description)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// Purchase buys credits from the approved pool.
// POST /api/purchases
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	var req PurchaseRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.Engine.Purchase(r.Context(), caller.OwnerID, caller.WalletAddress, req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseResponse(result))
}

// RetryPurchase re-runs the commit phase with an existing settlement hash.
// POST /api/purchases/retry
func (h *Handler) RetryPurchase(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())

	var req RetryPurchaseRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.Engine.Retry(r.Context(), req.TransactionHash, caller.OwnerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResponse(result))
}

// =============================================================================
// PUBLIC READ HANDLERS
// =============================================================================

// GetSupply returns the available-supply aggregate.
// GET /api/supply
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := h.Engine.AvailableSupply(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read supply", err)
		return
	}
	writeJSON(w, http.StatusOK, SupplyDTO{
		TotalAvailable: supply.TotalAvailable,
		Lots:           toLotDTOs(supply.Lots),
	})
}

// ListLedger returns ledger entries, optionally filtered by wallet.
// GET /api/ledger?wallet=
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	var (
		entries []market.LedgerEntry
		err     error
	)
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		entries, err = h.Ledger.ByWallet(r.Context(), wallet)
	} else {
		entries, err = h.Ledger.All(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list ledger entries", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps market errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		supplyErr     *market.InsufficientSupplyError
		settlementErr *market.SettlementError
	)

	switch {
	case errors.Is(err, market.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", nil)

	case errors.Is(err, market.ErrNotesRequired):
		writeError(w, http.StatusBadRequest, "Admin notes are required when rejecting", nil)

	case errors.As(err, &supplyErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "insufficient supply",
			"available": supplyErr.Available,
			"requested": supplyErr.Requested,
		})

	case errors.Is(err, market.ErrDuplicateSubmission):
		writeError(w, http.StatusConflict, "An identical pending submission already exists", nil)

	case errors.Is(err, market.ErrInvalidLotState):
		writeError(w, http.StatusConflict, "Operation not valid for this lot's state", err)

	case errors.As(err, &settlementErr):
		resp := map[string]any{"error": "settlement failed", "details": settlementErr.Error()}
		if settlementErr.Hash != "" {
			// The transfer confirmed; the client must retry the commit
			// with this hash, not start a new purchase.
			resp["transaction_hash"] = settlementErr.Hash
			resp["retryable"] = true
		}
		writeJSON(w, http.StatusBadGateway, resp)

	case errors.Is(err, market.ErrAllocationContention):
		writeError(w, http.StatusServiceUnavailable, "Allocation contention, retry the purchase", nil)

	default:
		h.log.Error().Err(err).Msg("unhandled domain error")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
