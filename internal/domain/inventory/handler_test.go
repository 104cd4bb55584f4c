package inventory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/stockledger/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *mockStore, *echo.Echo) {
	svc, store := newTestService(t)
	return NewHandler(svc), store, echo.New()
}

// newRoutedServer registers the handler behind a stub that authenticates
// every request as user with roles.
func newRoutedServer(t *testing.T, user string, roles ...string) (*Handler, *mockStore, *echo.Echo) {
	h, store, e := newTestHandler(t)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithUser(req.Context(), user, roles)))
			return next(c)
		}
	})
	h.RegisterRoutes(api)
	return h, store, e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateProduct(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := `{"name":"Gauze","code":"GZ","unit":"box","unit_cost":"2.50","min_stock":5}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.CreateProduct(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var p Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "GZ", p.Code)
	assert.Equal(t, "2.5", p.UnitCost.String())
	assert.True(t, p.Active)
}

func TestHandler_CreateProduct_BadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(`{"code":"X"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateProduct(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestHandler_GetProduct_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetProduct(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestHandler_GetProduct_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.GetProduct(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestHandler_TransactionWorkflow(t *testing.T) {
	h, store, e := newRoutedServer(t, "pharm-1", auth.RoleAdmin)
	p := createTestProduct(t, h.svc, "WF", true, true)

	rec := doJSON(e, http.MethodPost, "/api/v1/transactions", fmt.Sprintf(
		`{"product_id":"%s","direction":"in","subtype":"purchase","quantity":20,"unit_cost":"4","lot_number":"L1","expiry_date":"2026-12-31"}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pharm-1", created.Transaction.CreatedBy)
	require.NotNil(t, created.Result)
	assert.Equal(t, int64(20), created.Result.Moved())

	rec = doJSON(e, http.MethodPost, "/api/v1/transactions", fmt.Sprintf(
		`{"product_id":"%s","direction":"out","subtype":"used","quantity":25,"usage_location":"ICU"}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pending transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, StatusPending, pending.Transaction.ApprovalStatus)
	assert.Nil(t, pending.Result)

	approvePath := "/api/v1/transactions/" + pending.Transaction.ID.String() + "/approve"
	rec = doJSON(e, http.MethodPost, approvePath, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, int64(5), approved.Transaction.RemainingQuantity, "shortfall")
	assert.True(t, approved.Transaction.IsVerified)

	rec = doJSON(e, http.MethodPost, approvePath, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "second approve")

	rec = doJSON(e, http.MethodGet, "/api/v1/transactions/"+pending.Transaction.ID.String()+"/movements", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var movements []LotMovement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &movements))
	require.Len(t, movements, 1)
	assert.Equal(t, int64(-20), movements[0].QuantityChange)

	assert.Equal(t, int64(0), store.productLots(p.ID)[0].CurrentStock)
}

func TestHandler_RecordTransaction_InvalidDate(t *testing.T) {
	_, _, e := newRoutedServer(t, "keeper", auth.RoleStorekeeper)

	rec := doJSON(e, http.MethodPost, "/api/v1/transactions",
		`{"product_id":"`+uuid.NewString()+`","direction":"in","subtype":"purchase","quantity":1,"expiry_date":"31/12/2026"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RecordTransaction_OversizedField(t *testing.T) {
	h, store, e := newRoutedServer(t, "keeper", auth.RoleStorekeeper)
	p := createTestProduct(t, h.svc, "LONG", false, false)

	tests := []struct {
		field string
		size  int
	}{
		{"lot_number", maxLotNumberLength + 1},
		{"reference_number", maxReferenceLength + 1},
		{"usage_location", maxFreeTextLength + 1},
		{"usage_purpose", maxFreeTextLength + 1},
		{"charged_to", maxFreeTextLength + 1},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			rec := doJSON(e, http.MethodPost, "/api/v1/transactions", fmt.Sprintf(
				`{"product_id":"%s","direction":"in","subtype":"purchase","quantity":1,"%s":"%s"}`,
				p.ID, tt.field, strings.Repeat("x", tt.size)))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tt.field)
		})
	}
	assert.Zero(t, store.movementCount())
}

func TestHandler_Reject(t *testing.T) {
	h, _, e := newRoutedServer(t, "pharm-2", auth.RoleApprover, auth.RoleStorekeeper)
	p := createTestProduct(t, h.svc, "RJ", false, false)
	out := issue(t, h.svc, p.ID, 2)
	path := "/api/v1/transactions/" + out.ID.String() + "/reject"

	rec := doJSON(e, http.MethodPost, path, `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty reason")

	rec = doJSON(e, http.MethodPost, path, `{"reason":"duplicate request"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusRejected, resp.Transaction.ApprovalStatus)
	require.NotNil(t, resp.Transaction.ApprovedBy)
	assert.Equal(t, "pharm-2", *resp.Transaction.ApprovedBy)

	rec = doJSON(e, http.MethodDelete, "/api/v1/transactions/"+out.ID.String(), "")
	assert.Equal(t, http.StatusConflict, rec.Code, "deleting a rejected transaction")
}

func TestHandler_RoleEnforcement(t *testing.T) {
	h, _, e := newRoutedServer(t, "viewer-1", auth.RoleViewer)
	p := createTestProduct(t, h.svc, "RO", false, false)
	out := issue(t, h.svc, p.ID, 1)

	rec := doJSON(e, http.MethodGet, "/api/v1/products/"+p.ID.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code, "viewer reads products")
	rec = doJSON(e, http.MethodPost, "/api/v1/products", `{"name":"X","code":"X"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "viewer must not create products")
	rec = doJSON(e, http.MethodPost, "/api/v1/transactions/"+out.ID.String()+"/approve", "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "viewer must not approve")
}

func TestHandler_UnknownRouteIsNotFound(t *testing.T) {
	for _, role := range []string{auth.RoleViewer, auth.RoleStorekeeper, auth.RoleApprover} {
		t.Run(role, func(t *testing.T) {
			_, _, e := newRoutedServer(t, "user-"+role, role)
			rec := doJSON(e, http.MethodGet, "/api/v1/nope", "")
			assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
			rec = doJSON(e, http.MethodPost, "/api/v1/transactions/x/unknown", "")
			assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_ReserveAndStock(t *testing.T) {
	h, store, e := newRoutedServer(t, "keeper", auth.RoleStorekeeper)
	p := createTestProduct(t, h.svc, "RS", true, true)
	store.seedLot(p.ID, "A", date(2026, 7, 1), 10, 0, "3")
	base := "/api/v1/products/" + p.ID.String()

	rec := doJSON(e, http.MethodPost, base+"/reserve", `{"quantity":4,"lot_number":"A","expiry_date":"2026-07-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(e, http.MethodPost, base+"/reserve", `{"quantity":7}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "insufficient stock")

	rec = doJSON(e, http.MethodGet, base+"/stock", "")
	var totals StockTotals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	assert.Equal(t, int64(10), totals.Current)
	assert.Equal(t, int64(4), totals.Reserved)
	assert.Equal(t, int64(6), totals.Available)

	rec = doJSON(e, http.MethodPost, base+"/release", `{"quantity":9}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var released ReservationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &released))
	assert.Equal(t, int64(4), released.Moved, "release is clamped to the reserved amount")
}

func TestHandler_ListProducts_Paginated(t *testing.T) {
	h, _, e := newRoutedServer(t, "viewer", auth.RoleViewer)
	for i := 0; i < 3; i++ {
		createTestProduct(t, h.svc, fmt.Sprintf("P%d", i), false, false)
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/products?limit=2&offset=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data    []Product `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Data, 2)
	assert.True(t, resp.HasMore)

	rec = doJSON(e, http.MethodGet, "/api/v1/products?active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "invalid active flag")
}

func TestHandler_Reports(t *testing.T) {
	h, store, e := newRoutedServer(t, "viewer", auth.RoleViewer)
	p := createTestProduct(t, h.svc, "RPT", true, true)
	store.seedLot(p.ID, "OLD", date(2026, 1, 20), 2, 0, "1")

	rec := doJSON(e, http.MethodGet, "/api/v1/reports/expiring?days=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lots []StockLot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lots))
	require.Len(t, lots, 1)
	assert.True(t, lots[0].IsExpired)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/reports/expiring?days=-1", http.StatusBadRequest},
		{"/api/v1/reports/summary?from=2026-01-01", http.StatusBadRequest},
		{"/api/v1/reports/summary?from=2026-01-01&to=2026-03-01", http.StatusOK},
		{"/api/v1/reports/low-stock", http.StatusOK},
	}
	for _, tt := range tests {
		rec := doJSON(e, http.MethodGet, tt.path, "")
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
}
