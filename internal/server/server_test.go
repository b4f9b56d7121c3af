package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/signing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAdminSecret  = "test-admin-secret"
	testQRAccessKey  = "test-access-key"
	testQRSecret     = "test-qr-secret"
	testCardSecret   = "test-card-secret"
	testCardTerminal = "TMN01"
)

// testConfig returns a config with every rail enabled and in-memory storage.
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		AdminSecret:     testAdminSecret,
		PollAttempts:    2,
		PollBaseDelay:   10 * time.Millisecond,
		SessionTTL:      15 * time.Minute,
		ExpirySweepFreq: time.Minute,
		RateLimitRPS:    100,
		QRWallet: config.QRWalletConfig{
			PartnerCode: "PARTNER01",
			AccessKey:   testQRAccessKey,
			SecretKey:   testQRSecret,
			CreateURL:   "http://127.0.0.1:1/create", // overridden where a test needs it
			IPNURL:      "https://shop.example/v1/payments/qrwallet/ipn",
			ReturnURL:   "https://shop.example/checkout/done",
			Timeout:     2 * time.Second,
		},
		CardGateway: config.CardGatewayConfig{
			TerminalCode: testCardTerminal,
			SecretKey:    testCardSecret,
			PayURL:       "https://gateway.example/paymentv2/vpcpay.html",
			ReturnURL:    "https://shop.example/v1/payments/cardgateway/return",
			Timeout:      2 * time.Second,
		},
		ChainRail: config.ChainRailConfig{
			RPCURL:           "http://127.0.0.1:1/rpc",
			RecipientAddress: "DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK",
			Label:            "Test Shop",
			FallbackRate:     3500000,
			Timeout:          2 * time.Second,
		},
		Stablecoin: config.StablecoinConfig{
			DepositAddress: "TXYZol5kBfn9qgcxkgEgsmcu2EbcA1r1uT",
			Network:        "TRC20",
			FallbackRate:   25000,
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Secret": testAdminSecret}
}

func createOrder(t *testing.T, s *Server, code string, amount int64) {
	t.Helper()
	body := fmt.Sprintf(`{"code":%q,"amount":%d,"currency":"VND"}`, code, amount)
	w := doJSON(t, s, "POST", "/v1/admin/orders", body, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating order, got %d: %s", w.Code, w.Body.String())
	}
}

func initiate(t *testing.T, s *Server, code, method string) map[string]interface{} {
	t.Helper()
	body := fmt.Sprintf(`{"orderCode":%q,"method":%q}`, code, method)
	w := doJSON(t, s, "POST", "/v1/payments/initiate", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 initiating %s, got %d: %s", method, w.Code, w.Body.String())
	}
	var inv map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &inv); err != nil {
		t.Fatalf("Failed to parse invitation: %v", err)
	}
	return inv
}

func orderStatus(t *testing.T, s *Server, code string) map[string]interface{} {
	t.Helper()
	w := doJSON(t, s, "GET", "/v1/orders/"+code+"/payment", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for order status, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse status response: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health and route registration
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t, nil)

	expected := []string{
		"POST:/v1/payments/initiate",
		"POST:/v1/payments/qrwallet/ipn",
		"GET:/v1/payments/cardgateway/return",
		"POST:/v1/payments/chainrail/verify",
		"GET:/v1/payments/chainrail/verify",
		"POST:/v1/payments/stablecoin/confirm",
		"GET:/v1/orders/:code/payment",
		"GET:/ws/orders/:code",
		"GET:/v1/info",
		"GET:/health",
		"GET:/metrics",
		"POST:/v1/admin/orders",
		"GET:/v1/admin/orders/:code/sessions",
		"POST:/v1/admin/sessions/:token/fail",
		"POST:/v1/admin/webhooks",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestInfoListsEnabledRails(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/v1/info", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Rails []string `json:"rails"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Rails) != 4 {
		t.Errorf("Expected 4 enabled rails, got %v", resp.Rails)
	}
}

// ---------------------------------------------------------------------------
// Admin auth
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/admin/orders", `{"code":"ORD-1","amount":1000}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/admin/orders", `{"code":"ORD-1","amount":1000}`,
		map[string]string{"X-Admin-Secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.AdminSecret = ""
	})

	w := doJSON(t, s, "POST", "/v1/admin/orders", `{"code":"ORD-1","amount":1000}`, adminHeaders())
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when no admin secret configured, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Order creation and initiation validation
// ---------------------------------------------------------------------------

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t, nil)

	createOrder(t, s, "ORD-2024-100", 500000)

	w := doJSON(t, s, "POST", "/v1/admin/orders",
		`{"code":"ORD-2024-100","amount":500000}`, adminHeaders())
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate order, got %d", w.Code)
	}
}

func TestInitiateValidation(t *testing.T) {
	s := newTestServer(t, nil)
	createOrder(t, s, "ORD-2024-101", 500000)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing fields", `{}`, http.StatusBadRequest},
		{"unknown method", `{"orderCode":"ORD-2024-101","method":"cash"}`, http.StatusBadRequest},
		{"unknown order", `{"orderCode":"ORD-MISSING","method":"stablecoin"}`, http.StatusNotFound},
		{"bad order code", `{"orderCode":"!!","method":"stablecoin"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, s, "POST", "/v1/payments/initiate", tc.body, nil)
			if w.Code != tc.want {
				t.Errorf("Expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestInitiateUnconfiguredRail(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Stablecoin.DepositAddress = ""
	})
	createOrder(t, s, "ORD-2024-102", 500000)

	w := doJSON(t, s, "POST", "/v1/payments/initiate",
		`{"orderCode":"ORD-2024-102","method":"stablecoin"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unconfigured rail, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// QR wallet end to end
// ---------------------------------------------------------------------------

// signedQRIPN builds a provider-authentic IPN body for the given request ID.
func signedQRIPN(requestID, orderCode string, amount int64, resultCode int) string {
	signer := signing.QRWalletSigner{AccessKey: testQRAccessKey, Secret: testQRSecret}
	responseTime := time.Now().UnixMilli()
	transID := int64(9900112233)
	message := "Successful."
	if resultCode != 0 {
		message = "Transaction failed."
	}

	sig := signer.SignIPN(signing.QRWalletFields{
		Amount:       strconv.FormatInt(amount, 10),
		Message:      message,
		OrderID:      orderCode,
		OrderInfo:    "Payment for order " + orderCode,
		OrderType:    "momo_wallet",
		PartnerCode:  "PARTNER01",
		PayType:      "qr",
		RequestID:    requestID,
		ResponseTime: strconv.FormatInt(responseTime, 10),
		ResultCode:   strconv.Itoa(resultCode),
		TransID:      strconv.FormatInt(transID, 10),
	})

	body, _ := json.Marshal(map[string]interface{}{
		"partnerCode":  "PARTNER01",
		"orderId":      orderCode,
		"requestId":    requestID,
		"amount":       amount,
		"orderInfo":    "Payment for order " + orderCode,
		"orderType":    "momo_wallet",
		"transId":      transID,
		"resultCode":   resultCode,
		"message":      message,
		"payType":      "qr",
		"responseTime": responseTime,
		"extraData":    "",
		"signature":    sig,
	})
	return string(body)
}

// qrCreateServer fakes the wallet provider's payment-create endpoint.
func qrCreateServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"resultCode":0,"message":"Success","payUrl":"https://wallet.example/pay/abc","qrCodeUrl":"https://wallet.example/qr/abc"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQRWalletHappyPathWithDuplicateIPN(t *testing.T) {
	createSrv := qrCreateServer(t)
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.QRWallet.CreateURL = createSrv.URL
	})

	const code = "ORD-2024-200"
	createOrder(t, s, code, 500000)
	inv := initiate(t, s, code, "qrwallet")

	token, _ := inv["correlationToken"].(string)
	if !strings.HasPrefix(token, "qr_") {
		t.Fatalf("Expected qr_ correlation token, got %q", token)
	}
	if inv["invitation"] != "https://wallet.example/qr/abc" {
		t.Errorf("Expected QR code URL invitation, got %v", inv["invitation"])
	}

	ipn := signedQRIPN(token, code, 500000, 0)
	w := doJSON(t, s, "POST", "/v1/payments/qrwallet/ipn", ipn, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 for IPN, got %d: %s", w.Code, w.Body.String())
	}

	status := orderStatus(t, s, code)
	if status["paymentStatus"] != "paid" {
		t.Fatalf("Expected order paid after IPN, got %v", status["paymentStatus"])
	}

	// The provider redelivers; the duplicate is acknowledged and changes nothing.
	for i := 0; i < 3; i++ {
		w = doJSON(t, s, "POST", "/v1/payments/qrwallet/ipn", ipn, nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("Expected 204 for duplicate IPN, got %d", w.Code)
		}
	}
	status = orderStatus(t, s, code)
	if status["paymentStatus"] != "paid" {
		t.Errorf("Expected order still paid, got %v", status["paymentStatus"])
	}
}

func TestQRWalletTamperedIPNIgnored(t *testing.T) {
	createSrv := qrCreateServer(t)
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.QRWallet.CreateURL = createSrv.URL
	})

	const code = "ORD-2024-201"
	createOrder(t, s, code, 500000)
	inv := initiate(t, s, code, "qrwallet")
	token := inv["correlationToken"].(string)

	// Signed over 500000, claims 1.
	ipn := strings.Replace(signedQRIPN(token, code, 500000, 0), `"amount":500000`, `"amount":1`, 1)
	w := doJSON(t, s, "POST", "/v1/payments/qrwallet/ipn", ipn, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 even for a rejected IPN, got %d", w.Code)
	}

	status := orderStatus(t, s, code)
	if status["paymentStatus"] != "unpaid" {
		t.Errorf("Expected order unpaid after tampered IPN, got %v", status["paymentStatus"])
	}
}

func TestQRWalletIPNGarbageBody(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/payments/qrwallet/ipn", `{{{not json`, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for unparseable IPN, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Card gateway redirect return
// ---------------------------------------------------------------------------

// signedCardReturn builds an authentically-signed return query string.
func signedCardReturn(txnRef string, amount int64, responseCode string) string {
	params := map[string]string{
		"vnp_TmnCode":       testCardTerminal,
		"vnp_Amount":        strconv.FormatInt(amount*100, 10),
		"vnp_BankCode":      "NCB",
		"vnp_OrderInfo":     "Payment",
		"vnp_PayDate":       "20240115103000",
		"vnp_ResponseCode":  responseCode,
		"vnp_TxnRef":        txnRef,
		"vnp_TransactionNo": "14212345",
	}
	signer := signing.CardGatewaySigner{Secret: testCardSecret}
	sig := signer.Sign(params)

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHash", sig)
	return q.Encode()
}

func TestCardGatewayDeclinedReturn(t *testing.T) {
	s := newTestServer(t, nil)

	const code = "ORD-2024-300"
	createOrder(t, s, code, 250000)
	inv := initiate(t, s, code, "cardgateway")
	token := inv["correlationToken"].(string)
	if !strings.HasPrefix(token, "cg_") {
		t.Fatalf("Expected cg_ correlation token, got %q", token)
	}

	// Code 07 is a genuine, signed decline.
	query := signedCardReturn(token, 250000, "07")
	w := doJSON(t, s, "GET", "/v1/payments/cardgateway/return?"+query, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for signed return, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["outcome"] != "failure" {
		t.Errorf("Expected failure outcome, got %v", resp["outcome"])
	}
	if resp["paymentStatus"] != "unpaid" {
		t.Errorf("Expected order unpaid, got %v", resp["paymentStatus"])
	}

	// Session is failed; the order is free for a new attempt.
	sw := doJSON(t, s, "GET", "/v1/admin/orders/"+code+"/sessions", "", adminHeaders())
	if sw.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing sessions, got %d", sw.Code)
	}
	var audit struct {
		Sessions []struct {
			Status string `json:"status"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(sw.Body.Bytes(), &audit); err != nil {
		t.Fatalf("Failed to parse audit response: %v", err)
	}
	if len(audit.Sessions) != 1 || audit.Sessions[0].Status != "failed" {
		t.Errorf("Expected one failed session in audit trail, got %+v", audit.Sessions)
	}
}

func TestCardGatewayTamperedReturn(t *testing.T) {
	s := newTestServer(t, nil)

	const code = "ORD-2024-301"
	createOrder(t, s, code, 250000)
	inv := initiate(t, s, code, "cardgateway")
	token := inv["correlationToken"].(string)

	// Signed as declined, rewritten to approved.
	query := strings.Replace(signedCardReturn(token, 250000, "07"), "vnp_ResponseCode=07", "vnp_ResponseCode=00", 1)
	w := doJSON(t, s, "GET", "/v1/payments/cardgateway/return?"+query, "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for tampered return, got %d: %s", w.Code, w.Body.String())
	}

	status := orderStatus(t, s, code)
	if status["paymentStatus"] != "unpaid" {
		t.Errorf("Expected order unpaid after tampered return, got %v", status["paymentStatus"])
	}
}

// ---------------------------------------------------------------------------
// Stablecoin manual confirmation
// ---------------------------------------------------------------------------

func TestStablecoinManualConfirm(t *testing.T) {
	s := newTestServer(t, nil)

	const code = "ORD-2024-400"
	createOrder(t, s, code, 500000)
	inv := initiate(t, s, code, "stablecoin")
	token := inv["correlationToken"].(string)
	if !strings.HasPrefix(token, "ref_") {
		t.Fatalf("Expected ref_ correlation token, got %q", token)
	}
	if inv["nativeAmount"] != "20.00" {
		t.Errorf("Expected nativeAmount 20.00 at rate 25000, got %v", inv["nativeAmount"])
	}

	body := fmt.Sprintf(`{"reference":%q,"transactionId":"0xdeadbeef"}`, token)

	// Operator route: no secret, no entry.
	w := doJSON(t, s, "POST", "/v1/payments/stablecoin/confirm", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without admin secret, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/payments/stablecoin/confirm", body, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 confirming, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["paymentStatus"] != "paid" {
		t.Errorf("Expected order paid, got %v", resp["paymentStatus"])
	}

	// Second confirmation is a stale ack, not an error.
	w = doJSON(t, s, "POST", "/v1/payments/stablecoin/confirm", body, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for duplicate confirm, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["stale"] != true {
		t.Errorf("Expected stale=true for duplicate confirm, got %v", resp["stale"])
	}
}

func TestStablecoinConfirmWithoutTransactionID(t *testing.T) {
	s := newTestServer(t, nil)

	const code = "ORD-2024-401"
	createOrder(t, s, code, 500000)
	inv := initiate(t, s, code, "stablecoin")
	token := inv["correlationToken"].(string)

	body := fmt.Sprintf(`{"reference":%q}`, token)
	w := doJSON(t, s, "POST", "/v1/payments/stablecoin/confirm", body, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	status := orderStatus(t, s, code)
	if status["paymentStatus"] != "unpaid" {
		t.Errorf("Expected order unpaid without a transaction ID, got %v", status["paymentStatus"])
	}
}

// ---------------------------------------------------------------------------
// Chain rail verify
// ---------------------------------------------------------------------------

func TestChainRailVerifyUnknownReference(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/payments/chainrail/verify",
		`{"reference":"DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown reference, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/payments/chainrail/verify", `{"reference":"not base58 O0Il"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed reference, got %d", w.Code)
	}
}

func TestChainRailBackgroundPollSettles(t *testing.T) {
	// The node answers every reference lookup with one finalized transfer.
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":[{"signature":"3kSig","err":null}]}`)
	}))
	defer rpc.Close()

	s := newTestServer(t, func(cfg *config.Config) {
		cfg.ChainRail.RPCURL = rpc.URL
	})

	const code = "ORD-2024-510"
	createOrder(t, s, code, 500000)
	initiate(t, s, code, "chainrail")

	// No verify call and no inbound signal: the poll kicked off at
	// initiation must settle the session on its own. The admin audit
	// reads the store without polling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := doJSON(t, s, "GET", "/v1/admin/orders/"+code+"/sessions", "", adminHeaders())
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 listing sessions, got %d", w.Code)
		}
		var audit struct {
			PaymentStatus string `json:"paymentStatus"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &audit); err != nil {
			t.Fatalf("Failed to parse audit response: %v", err)
		}
		if audit.PaymentStatus == "paid" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Order not settled by the background poll")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Order status
// ---------------------------------------------------------------------------

func TestOrderStatusUnknownOrder(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/v1/orders/ORD-MISSING/payment", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestOrderStatusPendingSession(t *testing.T) {
	s := newTestServer(t, nil)

	const code = "ORD-2024-500"
	createOrder(t, s, code, 500000)
	initiate(t, s, code, "stablecoin")

	// Pending is a valid answer: the stablecoin rail has nothing to poll.
	status := orderStatus(t, s, code)
	if status["paymentStatus"] != "unpaid" {
		t.Errorf("Expected unpaid, got %v", status["paymentStatus"])
	}
	sess, ok := status["session"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected session in status response, got %v", status)
	}
	if sess["provider"] != "stablecoin" {
		t.Errorf("Expected stablecoin session, got %v", sess["provider"])
	}
}

// ---------------------------------------------------------------------------
// Admin force-fail
// ---------------------------------------------------------------------------

func TestAdminForceFailSession(t *testing.T) {
	s := newTestServer(t, nil)

	const code = "ORD-2024-600"
	createOrder(t, s, code, 500000)
	inv := initiate(t, s, code, "stablecoin")
	token := inv["correlationToken"].(string)

	w := doJSON(t, s, "POST", "/v1/admin/sessions/"+token+"/fail", "", adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 force-failing, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["sessionStatus"] != "failed" {
		t.Errorf("Expected failed session, got %v", resp["sessionStatus"])
	}

	// The order is free for a fresh attempt on another rail.
	initiate(t, s, code, "stablecoin")
}

func TestAdminForceFailUnknownToken(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "POST", "/v1/admin/sessions/ref_nothere/fail", "", adminHeaders())
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
