package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/orderclient"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/session"
)

type fakeOrders struct {
	orders  map[string]orderclient.Order
	owners  []string
	updated map[string]string
	err     error
}

func (f *fakeOrders) GetOrder(_ context.Context, _ session.Identity, token string) (orderclient.Order, error) {
	if f.err != nil {
		return orderclient.Order{}, f.err
	}
	o, ok := f.orders[token]
	if !ok {
		return orderclient.Order{}, orderclient.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) ListOrders(_ context.Context, _ session.Identity, owner string) ([]orderclient.Summary, error) {
	f.owners = append(f.owners, owner)
	return nil, f.err
}

func (f *fakeOrders) UpdateStatus(_ context.Context, _ session.Identity, orderID, status string) (orderclient.Order, error) {
	if f.err != nil {
		return orderclient.Order{}, f.err
	}
	if f.updated == nil {
		f.updated = map[string]string{}
	}
	f.updated[orderID] = status
	return orderclient.Order{ID: orderID, Status: status}, nil
}

func (f *fakeOrders) DeleteOrder(context.Context, session.Identity, string) error { return f.err }

type testServer struct {
	srv    *httptest.Server
	gw     *manualGateway
	sub    *recordingSubmitter
	orders *fakeOrders
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ts := &testServer{gw: &manualGateway{}, sub: &recordingSubmitter{}, orders: &fakeOrders{orders: map[string]orderclient.Order{
		"TOKEN123": {Token: "TOKEN123", Status: "Pending", Paid: true, FileName: "a.pdf"},
	}}}
	h := &Handler{
		Registry: NewRegistry(Deps{
			Counter:   fixedCounter(3),
			Gateway:   ts.gw,
			Submitter: ts.sub,
			Rates:     pricing.DefaultRates(),
			Logger:    zerolog.Nop(),
		}, time.Hour),
		Orders:    ts.orders,
		Gate:      session.DefaultGate(),
		Idem:      common.Idem{R: rdb, TTL: time.Minute},
		MaxUpload: 1 << 20,
		Logger:    zerolog.Nop(),
	}
	r := chi.NewRouter()
	// tests pick the identity through headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := session.Guest()
			if sub := req.Header.Get("X-Test-Subject"); sub != "" {
				id = session.Identity{Credential: "tok-" + sub, Subject: sub, Role: session.ParseRole(req.Header.Get("X-Test-Role"))}
			}
			next.ServeHTTP(w, req.WithContext(session.WithIdentity(req.Context(), id)))
		})
	})
	r.Route("/api/v1", h.Mount)
	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, subject, role string, body *bytes.Buffer, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, ts.srv.URL+"/api/v1"+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if subject != "" {
		req.Header.Set("X-Test-Subject", subject)
		req.Header.Set("X-Test-Role", role)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func jsonBody(s string) *bytes.Buffer { return bytes.NewBufferString(s) }

func uploadBody(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, n := range names {
		part, err := mw.CreateFormFile("files", n)
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4 " + n))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSessionFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/sessions", "u1", "user", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["data"].(map[string]any)["id"].(string)

	upload, ct := uploadBody(t, "a.pdf", "b.pdf")
	resp, body = ts.do(t, http.MethodPost, "/sessions/"+id+"/files", "u1", "user", upload, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	added := body["data"].(map[string]any)["added"].([]any)
	require.Len(t, added, 2)

	resp, body = ts.do(t, http.MethodPatch, "/sessions/"+id+"/items/2", "u1", "user", jsonBody(`{"colorMode":"bw","copies":2}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	quote := body["data"].(map[string]any)["quote"].(map[string]any)
	require.EqualValues(t, 1500+1200, quote["total"])

	resp, body = ts.do(t, http.MethodPatch, "/sessions/"+id+"/items/1", "u1", "user", jsonBody(`{"copies":0}`), "application/json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, common.CodeInputValidation, errorCode(body))

	resp, body = ts.do(t, http.MethodPatch, "/sessions/"+id+"/items/1", "u1", "user", jsonBody(`{"pageCount":2147483648,"copies":1000}`), "application/json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, common.CodeInputValidation, errorCode(body))

	resp, _ = ts.do(t, http.MethodPatch, "/sessions/"+id+"/items/0", "u1", "user", jsonBody(`{"copies":2}`), "application/json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodDelete, "/sessions/"+id+"/files/1", "u1", "user", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/sessions/"+id+"/quote", "u1", "user", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1200, body["data"].(map[string]any)["total"])

	resp, body = ts.do(t, http.MethodPost, "/sessions/"+id+"/checkout", "u1", "user", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.EqualValues(t, 1200, body["data"].(map[string]any)["payment"].(map[string]any)["amount"])

	resp, body = ts.do(t, http.MethodPost, "/sessions/"+id+"/checkout", "u1", "user", nil, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, common.CodeConflict, errorCode(body))

	ts.gw.last().OnAuthorized(context.Background(), "proof-http")

	resp, body = ts.do(t, http.MethodGet, "/sessions/"+id, "u1", "user", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	require.Equal(t, string(StatusRecorded), data["status"])
	require.Equal(t, "TOKEN123", data["receipt"].(map[string]any)["token"])

	resp, body = ts.do(t, http.MethodGet, "/track/TOKEN123", "", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Pending", body["data"].(map[string]any)["status"])
}

func TestCheckoutOfEmptySessionIsInputValidation(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, http.MethodPost, "/sessions", "u1", "user", nil, "")
	id := body["data"].(map[string]any)["id"].(string)

	resp, body := ts.do(t, http.MethodPost, "/sessions/"+id+"/checkout", "u1", "user", nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, common.CodeInputValidation, errorCode(body))
	require.Empty(t, ts.gw.requests())
}

func TestSessionsRequireAccountAndOwner(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/sessions", "", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, body := ts.do(t, http.MethodPost, "/sessions", "u1", "user", nil, "")
	id := body["data"].(map[string]any)["id"].(string)

	resp, body = ts.do(t, http.MethodGet, "/sessions/"+id, "u2", "user", nil, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, common.CodeForbidden, errorCode(body))

	resp, _ = ts.do(t, http.MethodGet, "/sessions/nope", "u1", "user", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPaidNotRecordedSurfacesProof(t *testing.T) {
	ts := newTestServer(t)
	ts.sub.err = &orderclient.ServiceError{Op: "create", Status: http.StatusInternalServerError}

	_, body := ts.do(t, http.MethodPost, "/sessions", "u1", "user", nil, "")
	id := body["data"].(map[string]any)["id"].(string)
	upload, ct := uploadBody(t, "a.pdf")
	ts.do(t, http.MethodPost, "/sessions/"+id+"/files", "u1", "user", upload, ct)
	resp, _ := ts.do(t, http.MethodPost, "/sessions/"+id+"/checkout", "u1", "user", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ts.gw.last().OnAuthorized(context.Background(), "proof-lost")

	_, body = ts.do(t, http.MethodGet, "/sessions/"+id, "u1", "user", nil, "")
	failure := body["data"].(map[string]any)["failure"].(map[string]any)
	require.Equal(t, FailurePaidNotRecorded, failure["kind"])
	require.Equal(t, "proof-lost", failure["proofId"])

	resp, body = ts.do(t, http.MethodPatch, "/sessions/"+id+"/items/1", "u1", "user", jsonBody(`{"copies":3}`), "application/json")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, common.CodePaidNotRecorded, errorCode(body))
}

func TestOrderPassthroughs(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/track/MISSING", "", "", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, common.CodeNotFound, errorCode(body))

	resp, _ = ts.do(t, http.MethodGet, "/orders", "u1", "user", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"u1"}, ts.orders.owners)

	resp, _ = ts.do(t, http.MethodPut, "/admin/orders/o1/status", "u1", "user", jsonBody(`{"status":"Printed"}`), "application/json")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPut, "/admin/orders/o1/status", "a1", "admin", jsonBody(`{"status":"Shipped"}`), "application/json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.True(t, strings.Contains(body["error"].(map[string]any)["details"].(map[string]any)["status"].(string), "one of"))

	resp, _ = ts.do(t, http.MethodPut, "/admin/orders/o1/status", "a1", "admin", jsonBody(`{"status":"Printed"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Printed", ts.orders.updated["o1"])

	ts.orders.err = &orderclient.ServiceError{Op: "update status", Status: http.StatusConflict, Code: "INVALID_STATE", Message: "order status changed concurrently or is unknown"}
	resp, body = ts.do(t, http.MethodPut, "/admin/orders/o1/status", "a1", "admin", jsonBody(`{"status":"Pending"}`), "application/json")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "INVALID_STATE", errorCode(body))

	ts.orders.err = &orderclient.ServiceError{Op: "get", Err: context.DeadlineExceeded}
	resp, body = ts.do(t, http.MethodGet, "/track/TOKEN123", "", "", nil, "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, common.CodeServiceError, errorCode(body))

	ts.orders.err = nil
	resp, _ = ts.do(t, http.MethodDelete, "/admin/orders/o1", "a1", "admin", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
