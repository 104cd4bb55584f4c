package inventory

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/stockledger/internal/platform/auth"
	"github.com/ehr/stockledger/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes attaches the role check to each route rather than to
// sub-groups, so unknown paths under api stay 404 for every role.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every authenticated role
	read := auth.RequireRole(auth.RoleViewer, auth.RoleStorekeeper, auth.RoleApprover)
	api.GET("/products", h.ListProducts, read)
	api.GET("/products/:id", h.GetProduct, read)
	api.GET("/products/:id/stock", h.GetProductStock, read)
	api.GET("/products/:id/lots", h.ListLots, read)
	api.GET("/transactions", h.ListTransactions, read)
	api.GET("/transactions/:id", h.GetTransaction, read)
	api.GET("/transactions/:id/movements", h.ListMovements, read)
	api.GET("/reports/low-stock", h.LowStockReport, read)
	api.GET("/reports/expiring", h.ExpiringReport, read)
	api.GET("/reports/summary", h.SummaryReport, read)

	// Stock handling – storekeeper
	write := auth.RequireRole(auth.RoleStorekeeper)
	api.POST("/products", h.CreateProduct, write)
	api.PUT("/products/:id", h.UpdateProduct, write)
	api.DELETE("/products/:id", h.DeleteProduct, write)
	api.POST("/products/:id/deactivate", h.DeactivateProduct, write)
	api.POST("/products/:id/activate", h.ActivateProduct, write)
	api.POST("/products/:id/reserve", h.Reserve, write)
	api.POST("/products/:id/release", h.Release, write)
	api.POST("/transactions", h.RecordTransaction, write)
	api.DELETE("/transactions/:id", h.DeleteTransaction, write)

	// Approval decisions – approver
	decide := auth.RequireRole(auth.RoleApprover)
	api.POST("/transactions/:id/approve", h.Approve, decide)
	api.POST("/transactions/:id/reject", h.Reject, decide)
}

func httpError(err error) error {
	return echo.NewHTTPError(HTTPStatus(err), err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseOptionalDate(field string, s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseDate(strings.TrimSpace(*s))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", field, *s))
	}
	return &t, nil
}

func queryDate(c echo.Context, field string) (*time.Time, error) {
	v := c.QueryParam(field)
	return parseOptionalDate(field, &v)
}

// -- Products --

func (h *Handler) CreateProduct(c echo.Context) error {
	var p Product
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = uuid.Nil
	if err := h.svc.CreateProduct(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProducts(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ProductFilter{
		Category: c.QueryParam("category"),
		Query:    c.QueryParam("q"),
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active flag")
		}
		filter.Active = &active
	}
	items, total, err := h.svc.ListProducts(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p Product
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdateProduct(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteProduct(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeactivateProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.DeactivateProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ActivateProduct(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.ActivateProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetProductStock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	totals, err := h.svc.ProductStock(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, totals)
}

// -- Lots and reservations --

func (h *Handler) ListLots(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	includeEmpty, _ := strconv.ParseBool(c.QueryParam("include_empty"))
	lots, err := h.svc.ListLots(c.Request().Context(), id, includeEmpty)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lots)
}

type reservationRequest struct {
	Quantity   int64   `json:"quantity"`
	LotNumber  *string `json:"lot_number"`
	ExpiryDate *string `json:"expiry_date"`
}

func (r *reservationRequest) selector() (*LotSelector, error) {
	expiry, err := parseOptionalDate("expiry_date", r.ExpiryDate)
	if err != nil {
		return nil, err
	}
	if r.LotNumber == nil && expiry == nil {
		return nil, nil
	}
	return &LotSelector{LotNumber: r.LotNumber, ExpiryDate: expiry}, nil
}

func (h *Handler) Reserve(c echo.Context) error {
	return h.reservation(c, h.svc.Reserve)
}

func (h *Handler) Release(c echo.Context) error {
	return h.reservation(c, h.svc.Release)
}

type reservationFunc func(ctx context.Context, productID uuid.UUID, qty int64, sel *LotSelector) (*ReservationResult, error)

func (h *Handler) reservation(c echo.Context, fn reservationFunc) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sel, err := req.selector()
	if err != nil {
		return err
	}
	result, err := fn(c.Request().Context(), id, req.Quantity, sel)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// -- Transactions --

type transactionRequest struct {
	ProductID       uuid.UUID       `json:"product_id"`
	Direction       Direction       `json:"direction"`
	Subtype         string          `json:"subtype"`
	Quantity        int64           `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	LotNumber       *string         `json:"lot_number"`
	ExpiryDate      *string         `json:"expiry_date"`
	TransactionDate *string         `json:"transaction_date"`
	ReferenceNumber *string         `json:"reference_number"`
	Notes           *string         `json:"notes"`
	UsageLocation   *string         `json:"usage_location"`
	UsagePurpose    *string         `json:"usage_purpose"`
	ChargedTo       *string         `json:"charged_to"`
}

func (r *transactionRequest) toTransaction() (*Transaction, error) {
	expiry, err := parseOptionalDate("expiry_date", r.ExpiryDate)
	if err != nil {
		return nil, err
	}
	txDate, err := parseOptionalDate("transaction_date", r.TransactionDate)
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		ProductID:       r.ProductID,
		Direction:       Direction(strings.ToLower(strings.TrimSpace(string(r.Direction)))),
		Subtype:         r.Subtype,
		Quantity:        r.Quantity,
		UnitCost:        r.UnitCost,
		LotNumber:       r.LotNumber,
		ExpiryDate:      expiry,
		ReferenceNumber: r.ReferenceNumber,
		Notes:           r.Notes,
		UsageLocation:   r.UsageLocation,
		UsagePurpose:    r.UsagePurpose,
		ChargedTo:       r.ChargedTo,
	}
	if txDate != nil {
		t.TransactionDate = *txDate
	}
	return t, nil
}

type transactionResponse struct {
	Transaction *Transaction `json:"transaction"`
	Result      *ApplyResult `json:"result,omitempty"`
}

func (h *Handler) RecordTransaction(c echo.Context) error {
	var req transactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := req.toTransaction()
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	result, err := h.svc.RecordTransaction(ctx, t, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, transactionResponse{Transaction: t, Result: result})
}

func (h *Handler) GetTransaction(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTransaction(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := TransactionFilter{
		Direction: Direction(c.QueryParam("direction")),
		Subtype:   c.QueryParam("subtype"),
		Status:    ApprovalStatus(c.QueryParam("status")),
	}
	if v := c.QueryParam("product_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid product_id")
		}
		filter.ProductID = &pid
	}
	var err error
	if filter.From, err = queryDate(c, "from"); err != nil {
		return err
	}
	if filter.To, err = queryDate(c, "to"); err != nil {
		return err
	}
	items, total, err := h.svc.ListTransactions(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeleteTransaction(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTransaction(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListMovements(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.Movements(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, result, err := h.svc.Approve(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transactionResponse{Transaction: t, Result: result})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	t, err := h.svc.Reject(ctx, id, auth.UserIDFromContext(ctx), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transactionResponse{Transaction: t})
}

// -- Reports --

func (h *Handler) LowStockReport(c echo.Context) error {
	items, err := h.svc.LowStock(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ExpiringReport(c echo.Context) error {
	days := 0
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a non-negative integer")
		}
		days = n
	}
	lots, err := h.svc.ExpiringLots(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, lots)
}

func (h *Handler) SummaryReport(c echo.Context) error {
	from, err := queryDate(c, "from")
	if err != nil {
		return err
	}
	to, err := queryDate(c, "to")
	if err != nil {
		return err
	}
	if from == nil || to == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	rows, err := h.svc.Summary(c.Request().Context(), *from, *to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rows)
}
