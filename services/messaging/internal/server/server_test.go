package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"motochat/internal/ratelimit"
	"motochat/internal/servicetoken"
	"motochat/internal/usertoken"
	"motochat/pkg/domain"
	"motochat/pkg/storage"
	"motochat/pkg/store"
	"motochat/services/messaging/internal/app"
	"motochat/services/messaging/internal/bookingclient"
	"motochat/services/messaging/internal/metrics"
	"motochat/services/messaging/internal/userclient"
)

type fakeBookings map[string]domain.Booking

func (f fakeBookings) FindBooking(_ context.Context, id string) (domain.Booking, error) {
	b, ok := f[id]
	if !ok {
		return domain.Booking{}, bookingclient.ErrNotFound
	}
	return b, nil
}

type fakeUsers map[string]domain.Role

func (f fakeUsers) FindUser(_ context.Context, id string) (domain.UserRef, error) {
	role, ok := f[id]
	if !ok {
		return domain.UserRef{}, userclient.ErrNotFound
	}
	return domain.UserRef{ID: id, Role: role}, nil
}

type testEnv struct {
	srv     *httptest.Server
	key     *rsa.PrivateKey
	signer  *servicetoken.Signer
	objects *storage.MemoryStore
	t       *testing.T
}

type envOptions struct {
	sendLimiter ratelimit.Limiter
	metrics     *metrics.Metrics
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "kid-1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	t.Cleanup(jwks.Close)
	verifier, err := usertoken.NewVerifier(usertoken.Config{JWKSURL: jwks.URL, Issuer: "identity", Audience: "motochat"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	serviceKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate service key: %v", err)
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{Key: serviceKey, KeyID: "internal-active", Issuer: "booking-service", TTL: time.Minute})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	serviceVerifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		Keys:           map[string]*rsa.PublicKey{"internal-active": &serviceKey.PublicKey},
		Audience:       "messaging",
		AllowedIssuers: []string{"booking-service"},
		Leeway:         time.Second,
		Replay:         servicetoken.NewMemoryReplayGuard(),
	})
	if err != nil {
		t.Fatalf("new service verifier: %v", err)
	}

	objects := storage.NewMemoryStore()
	messaging, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Bookings: fakeBookings{"bk1": {ID: "bk1", OwnerUserID: "c1"}},
		Users: fakeUsers{
			"a1": domain.RoleAdmin,
			"s1": domain.RoleStaff,
			"c1": domain.RoleCustomer,
			"c2": domain.RoleCustomer,
		},
		Objects:            objects,
		Metrics:            opts.metrics,
		MaxAttachmentBytes: 1024,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{
		App:             messaging,
		Verifier:        verifier,
		ServiceVerifier: serviceVerifier,
		SendLimiter:     opts.sendLimiter,
		Metrics:         opts.metrics,
		MaxUploadBytes:  1024,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, key: key, signer: signer, objects: objects, t: t}
}

func (e *testEnv) token(userID string, role domain.Role) string {
	e.t.Helper()
	now := time.Now()
	claims := usertoken.Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "identity",
			Audience:  jwt.ClaimStrings{"motochat"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(e.key)
	if err != nil {
		e.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (e *testEnv) do(method, path, token string, body any, out any) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestAuthenticatedRouteRequiresValidToken(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(http.MethodGet, "/api/conversations", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := &testEnv{key: otherKey, t: t}
	resp = env.do(http.MethodGet, "/api/conversations", forged.token("c1", domain.RoleCustomer), nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token expected 401, got %d", resp.StatusCode)
	}

	var page domain.Page[app.ConversationView]
	resp = env.do(http.MethodGet, "/api/conversations", env.token("c1", domain.RoleCustomer), nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token expected 200, got %d", resp.StatusCode)
	}
	if page.Page != 1 || page.Limit != 20 || page.Total != 0 {
		t.Fatalf("unexpected empty page %+v", page)
	}
}

func TestConversationFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	customer := env.token("c1", domain.RoleCustomer)
	staff := env.token("s1", domain.RoleStaff)
	outsider := env.token("c2", domain.RoleCustomer)

	var view app.ConversationView
	resp := env.do(http.MethodPost, "/api/conversations/booking", customer, map[string]string{"bookingId": "bk1"}, &view)
	if resp.StatusCode != http.StatusCreated || view.ID == "" || view.BookingID != "bk1" {
		t.Fatalf("create booking conversation: status=%d view=%+v", resp.StatusCode, view)
	}
	var again app.ConversationView
	resp = env.do(http.MethodPost, "/api/conversations/booking", customer, map[string]string{"bookingId": "bk1"}, &again)
	if resp.StatusCode != http.StatusOK || again.ID != view.ID {
		t.Fatalf("second call should return the same conversation: status=%d id=%s", resp.StatusCode, again.ID)
	}

	base := "/api/conversations/" + view.ID
	var msg domain.Message
	resp = env.do(http.MethodPost, base+"/messages", customer, map[string]string{"content": "Is my bike ready?"}, &msg)
	if resp.StatusCode != http.StatusCreated || msg.SenderRole != domain.RoleCustomer {
		t.Fatalf("send: status=%d msg=%+v", resp.StatusCode, msg)
	}

	resp = env.do(http.MethodPost, base+"/messages", staff, map[string]string{"content": "Ready at 5pm"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("staff reply expected 201, got %d", resp.StatusCode)
	}

	var unread map[string]int64
	env.do(http.MethodGet, "/api/conversations/unread-count", customer, nil, &unread)
	if unread["count"] != 1 {
		t.Fatalf("customer should have 1 unread, got %v", unread)
	}
	var messages domain.Page[domain.Message]
	resp = env.do(http.MethodGet, base+"/messages?page=1&limit=10", customer, nil, &messages)
	if resp.StatusCode != http.StatusOK || messages.Total != 2 || messages.Limit != 10 {
		t.Fatalf("list messages: status=%d page=%+v", resp.StatusCode, messages)
	}
	env.do(http.MethodGet, "/api/conversations/unread-count", customer, nil, &unread)
	if unread["count"] != 0 {
		t.Fatalf("reading messages should clear unread, got %v", unread)
	}

	var errBody map[string]string
	resp = env.do(http.MethodGet, base, outsider, nil, &errBody)
	if resp.StatusCode != http.StatusForbidden || errBody["error"] == "" {
		t.Fatalf("outsider expected 403 with error body, got %d %v", resp.StatusCode, errBody)
	}
	resp = env.do(http.MethodGet, "/api/conversations/missing", customer, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation expected 404, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodPost, base+"/messages", customer, map[string]string{"content": "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank content expected 400, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodGet, base+"/messages?page=abc", customer, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad page expected 400, got %d", resp.StatusCode)
	}

	var edited domain.Message
	resp = env.do(http.MethodPatch, "/api/messages/"+msg.ID, customer, map[string]string{"content": "Is my bike ready yet?"}, &edited)
	if resp.StatusCode != http.StatusOK || edited.Content != "Is my bike ready yet?" {
		t.Fatalf("edit: status=%d msg=%+v", resp.StatusCode, edited)
	}
	resp = env.do(http.MethodPatch, "/api/messages/"+msg.ID, staff, map[string]string{"content": "hijack"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("editing someone else's message expected 403, got %d", resp.StatusCode)
	}

	var results domain.Page[domain.Message]
	resp = env.do(http.MethodGet, "/api/messages/search?q=bike", staff, nil, &results)
	if resp.StatusCode != http.StatusOK || results.Total != 1 {
		t.Fatalf("search: status=%d page=%+v", resp.StatusCode, results)
	}
	resp = env.do(http.MethodGet, "/api/messages/search?q=bike", customer, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer search expected 403, got %d", resp.StatusCode)
	}

	var archived domain.Conversation
	resp = env.do(http.MethodPost, base+"/archive", staff, nil, &archived)
	if resp.StatusCode != http.StatusOK || archived.Status != domain.ConversationArchived {
		t.Fatalf("archive: status=%d conv=%+v", resp.StatusCode, archived)
	}
	resp = env.do(http.MethodDelete, base, staff, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("staff delete expected 403, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodDelete, base, env.token("a1", domain.RoleAdmin), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin delete expected 200, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodGet, base, customer, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted conversation expected 404 for customer, got %d", resp.StatusCode)
	}
}

func TestSendRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "motochat:test:send", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, envOptions{sendLimiter: limiter})
	customer := env.token("c1", domain.RoleCustomer)

	var view app.ConversationView
	env.do(http.MethodPost, "/api/conversations/booking", customer, map[string]string{"bookingId": "bk1"}, &view)
	path := "/api/conversations/" + view.ID + "/messages"

	resp := env.do(http.MethodPost, path, customer, map[string]string{"content": "one"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first send expected 201, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodPost, path, customer, map[string]string{"content": "two"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second send expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestInternalCloseRequiresServiceToken(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var view app.ConversationView
	env.do(http.MethodPost, "/api/conversations/booking", env.token("c1", domain.RoleCustomer), map[string]string{"bookingId": "bk1"}, &view)

	path := "/internal/bookings/bk1/close"
	resp := env.do(http.MethodPost, path, "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing service token expected 401, got %d", resp.StatusCode)
	}
	resp = env.do(http.MethodPost, path, env.token("a1", domain.RoleAdmin), nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("user token expected 401, got %d", resp.StatusCode)
	}
	readOnly, err := env.signer.Sign("messaging", servicetoken.ScopeBookingsRead)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp = env.do(http.MethodPost, path, readOnly, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("token without scope expected 403, got %d", resp.StatusCode)
	}

	token, err := env.signer.Sign("messaging", servicetoken.ScopeConversationWrite)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var closed domain.Conversation
	resp = env.do(http.MethodPost, path, token, nil, &closed)
	if resp.StatusCode != http.StatusOK || closed.Status != domain.ConversationClosed || closed.ID != view.ID {
		t.Fatalf("close: status=%d conv=%+v", resp.StatusCode, closed)
	}
	resp = env.do(http.MethodPost, path, token, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed service token expected 401, got %d", resp.StatusCode)
	}
}

func TestUploadAttachment(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	customer := env.token("c1", domain.RoleCustomer)
	var view app.ConversationView
	env.do(http.MethodPost, "/api/conversations/booking", customer, map[string]string{"bookingId": "bk1"}, &view)

	upload := func(name, contentType string, body []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(body)
		_ = mw.Close()
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/conversations/"+view.ID+"/attachments", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+customer)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := upload("chain.png", "image/png", []byte("\x89PNG fake"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d", resp.StatusCode)
	}
	var attachment domain.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&attachment); err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if !strings.HasPrefix(attachment.Key, "conversations/"+view.ID+"/") || !env.objects.Has(attachment.Key) {
		t.Fatalf("unexpected attachment %+v", attachment)
	}

	var msg domain.Message
	r := env.do(http.MethodPost, "/api/conversations/"+view.ID+"/messages", customer, map[string]any{
		"type":       "image",
		"attachment": attachment,
	}, &msg)
	if r.StatusCode != http.StatusCreated || msg.Attachment == nil || msg.Attachment.URL == "" {
		t.Fatalf("image message: status=%d msg=%+v", r.StatusCode, msg)
	}

	if resp := upload("run.sh", "application/x-sh", []byte("echo")); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("disallowed type expected 400, got %d", resp.StatusCode)
	}
	if resp := upload("big.png", "image/png", bytes.Repeat([]byte("x"), 2048)); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized file expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{metrics: metrics.New()})

	var health map[string]string
	resp := env.do(http.MethodGet, "/healthz", "", nil, &health)
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health: status=%d body=%v", resp.StatusCode, health)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id on responses")
	}

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `motochat_http_requests_total{method="GET",status="200"}`) {
		t.Fatalf("expected request counter in metrics output")
	}
}
