package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ravpay/payment-kit/internal/auth"
	"github.com/ravpay/payment-kit/internal/billing"
	"github.com/ravpay/payment-kit/internal/claim"
	"github.com/ravpay/payment-kit/internal/ledger"
	"github.com/ravpay/payment-kit/internal/rate"
	"github.com/ravpay/payment-kit/internal/scheduler"
	"github.com/ravpay/payment-kit/internal/subrav"
)

func init() { gin.SetMode(gin.TestMode) }

const (
	testPayer = "did:eth:0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAa"
	testPayee = "did:eth:0x1111111111111111111111111111111111111111"
	adminKey  = "test-admin-key"
)

// stubLoader serves a flat-priced default rule plus an unmatched-path guard.
type stubLoader struct{}

func (stubLoader) Load(_ context.Context, serviceID string) ([]billing.Rule, error) {
	if serviceID == "unpriced" {
		// A service whose only rule never matches, no default.
		return []billing.Rule{{
			ID:       "never",
			When:     &billing.Predicate{Path: "/nowhere"},
			Strategy: billing.StrategyConfig{Type: billing.StrategyPerRequest, PricePicoUSD: "1"},
		}}, nil
	}
	return []billing.Rule{
		{
			ID:   "chat",
			When: &billing.Predicate{Path: "/chat"},
			Strategy: billing.StrategyConfig{
				Type: billing.StrategyPerToken, PricePerToken: "2",
			},
		},
		{
			ID:       "default",
			Default:  true,
			Strategy: billing.StrategyConfig{Type: billing.StrategyPerRequest, PricePicoUSD: "10"},
		},
	}, nil
}

// stubVerifier accepts or rejects every commit signature.
type stubVerifier struct{ reject bool }

func (s stubVerifier) VerifyCommit(_ *subrav.SubRAV, _ []byte, _ string) error {
	if s.reject {
		return errors.New("bad signature")
	}
	return nil
}

// stubChain settles every submitted claim.
type stubChain struct{ channel *subrav.Channel }

func (s *stubChain) GetChannelInfo(_ context.Context, _ string) (*subrav.Channel, error) {
	cp := *s.channel
	return &cp, nil
}

func (s *stubChain) SubmitClaim(_ context.Context, v *subrav.SubRAV) (string, error) {
	s.channel.LastClaimedNonce = v.Nonce
	s.channel.LastClaimedAmount = new(big.Int).Set(v.AccumulatedAmount)
	return "0xfeed", nil
}

const schedulerSlots = 4

type fixture struct {
	router *gin.Engine
	ledg   *ledger.Ledger
	sched  *scheduler.Scheduler
	key    subrav.ChannelKey
}

func newFixture(t *testing.T, verifier CommitVerifier) *fixture {
	t.Helper()
	log := zap.NewNop()

	repo := ledger.NewMemoryRepository()
	ledg := ledger.New(repo, log)
	engine := billing.NewEngine(stubLoader{}, log)
	rates := rate.NewStaticProvider(map[string]*big.Int{"usdc": big.NewInt(1_000_000_000_000)})

	key := subrav.ChannelKey{PayerDID: testPayer, PayeeDID: testPayee, AssetID: "usdc"}
	chn := &stubChain{channel: subrav.NewChannel(key)}
	coord := claim.NewCoordinator(repo, chn, big.NewInt(1_000_000), time.Minute, 10, log)
	sched := scheduler.New(schedulerSlots, log)

	h := NewHandler(engine, ledg, repo, rates, coord, sched, verifier, Options{
		PayeeDID:       testPayee,
		DefaultAssetID: "usdc",
		DefaultService: "default",
		AdminKey:       adminKey,
	}, log)

	r := gin.New()
	public := r.Group("/api/v1")
	authed := r.Group("/api/v1")
	// Stand-in for auth.Middleware: trust the header, skip signatures.
	authed.Use(func(c *gin.Context) {
		c.Set(auth.CallerKey, c.GetHeader("X-Caller-DID"))
	})
	h.Register(public, authed)

	return &fixture{router: r, ledg: ledg, sched: sched, key: key}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Caller-DID", testPayer)
	req.Header.Set("X-Admin-Key", adminKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", w.Body, err)
	}
}

func wantCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		Code string `json:"code"`
	}
	decode(t, w, &body)
	if body.Code != code {
		t.Errorf("code: got %s want %s", body.Code, code)
	}
}

// ── GET /price ───────────────────────────────────────────────────────────────

func TestPrice_KnownAsset(t *testing.T) {
	f := newFixture(t, stubVerifier{})

	w := f.do(t, http.MethodGet, "/api/v1/price?assetId=usdc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		AssetID      string `json:"assetId"`
		PricePicoUSD string `json:"pricePicoUSD"`
		LastUpdated  int64  `json:"lastUpdated"`
	}
	decode(t, w, &body)
	if body.PricePicoUSD != "1000000000000" {
		t.Errorf("price: got %s", body.PricePicoUSD)
	}
	if body.LastUpdated == 0 {
		t.Error("want lastUpdated for a static asset")
	}
}

func TestPrice_DefaultsAsset(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	w := f.do(t, http.MethodGet, "/api/v1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		AssetID string `json:"assetId"`
	}
	decode(t, w, &body)
	if body.AssetID != "usdc" {
		t.Errorf("assetId: got %s want usdc", body.AssetID)
	}
}

func TestPrice_UnknownAsset(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	wantCode(t, f.do(t, http.MethodGet, "/api/v1/price?assetId=doge", nil), http.StatusNotFound, CodeNotFound)
}

// ── POST /bill ───────────────────────────────────────────────────────────────

type billResp struct {
	Cost   string        `json:"cost"`
	SubRav subrav.SubRAV `json:"subRav"`
}

func TestBill_DefaultRule(t *testing.T) {
	f := newFixture(t, stubVerifier{})

	w := f.do(t, http.MethodPost, "/api/v1/bill", gin.H{"service_id": "svc"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body billResp
	decode(t, w, &body)
	if body.Cost != "10" {
		t.Errorf("cost: got %s want 10", body.Cost)
	}
	if body.SubRav.Nonce != 1 {
		t.Errorf("nonce: got %d want 1", body.SubRav.Nonce)
	}
	if body.SubRav.ChannelID != subrav.DeriveChannelID(f.key) {
		t.Errorf("channel: got %s", body.SubRav.ChannelID)
	}
}

func TestBill_PerTokenRule(t *testing.T) {
	f := newFixture(t, stubVerifier{})

	w := f.do(t, http.MethodPost, "/api/v1/bill", gin.H{
		"service_id": "svc",
		"meta":       gin.H{"path": "/chat", "total_tokens": 50},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body billResp
	decode(t, w, &body)
	if body.Cost != "100" {
		t.Errorf("cost: got %s want 100", body.Cost)
	}
}

func TestBill_AccumulatesAcrossRequests(t *testing.T) {
	f := newFixture(t, stubVerifier{})

	var last billResp
	for i := 1; i <= 3; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/bill", gin.H{"service_id": "svc"})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d body %s", i, w.Code, w.Body)
		}
		decode(t, w, &last)
		if last.SubRav.Nonce != uint64(i) {
			t.Errorf("request %d: nonce %d", i, last.SubRav.Nonce)
		}
	}
	if last.SubRav.AccumulatedAmount.Int64() != 30 {
		t.Errorf("accumulated: got %s want 30", last.SubRav.AccumulatedAmount)
	}
}

func TestBill_NoMatchingRule(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	w := f.do(t, http.MethodPost, "/api/v1/bill", gin.H{
		"service_id": "unpriced",
		"meta":       gin.H{"path": "/somewhere"},
	})
	wantCode(t, w, http.StatusNotFound, CodeNotFound)
}

func TestBill_InvalidBody(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bill", bytes.NewBufferString("{broken"))
	req.Header.Set("X-Caller-DID", testPayer)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	wantCode(t, w, http.StatusBadRequest, CodeBadRequest)
}

// A disconnected client's queued bill must be cancelled before it bills, and
// the handler must still write an abort response rather than a bare 200.
func TestBill_ClientDisconnectAborts(t *testing.T) {
	f := newFixture(t, stubVerifier{})

	// Occupy every slot so the billing task queues.
	gate := make(chan struct{})
	defer close(gate)
	for i := 0; i < schedulerSlots; i++ {
		f.sched.Enqueue(func(_ func(), _ <-chan struct{}) (any, error) {
			<-gate
			return nil, nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(gin.H{"service_id": "svc"}); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bill", &buf).WithContext(ctx)
	req.Header.Set("X-Caller-DID", testPayer)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	wantCode(t, w, http.StatusRequestTimeout, CodeTimeout)

	// The queued task never ran, so nothing was billed.
	_, err := f.ledg.FindLatestPendingProposal(context.Background(), subrav.DeriveChannelID(f.key))
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("disconnected request billed the channel: %v", err)
	}
}

// ── GET /recovery ────────────────────────────────────────────────────────────

func TestRecovery_FreshChannel(t *testing.T) {
	f := newFixture(t, stubVerifier{})

	w := f.do(t, http.MethodGet, "/api/v1/recovery", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		Channel       subrav.Channel   `json:"channel"`
		PendingSubRav *json.RawMessage `json:"pendingSubRav"`
	}
	decode(t, w, &body)
	if body.Channel.LastClaimedNonce != 0 {
		t.Errorf("fresh channel nonce: got %d", body.Channel.LastClaimedNonce)
	}
	if body.PendingSubRav != nil && string(*body.PendingSubRav) != "null" {
		t.Errorf("fresh channel pending: got %s", *body.PendingSubRav)
	}
}

func TestRecovery_ReturnsPendingProposal(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, err := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(25))
	if err != nil {
		t.Fatalf("ProposeNext: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/v1/recovery", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		PendingSubRav *subrav.SubRAV `json:"pendingSubRav"`
	}
	decode(t, w, &body)
	if body.PendingSubRav == nil {
		t.Fatal("pending proposal missing")
	}
	if body.PendingSubRav.Nonce != v.Nonce || body.PendingSubRav.AccumulatedAmount.Cmp(v.AccumulatedAmount) != 0 {
		t.Errorf("pending: got %+v want %+v", body.PendingSubRav, v)
	}
}

// ── GET /subrav ──────────────────────────────────────────────────────────────

func TestSubRAV_ExactNonce(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	path := fmt.Sprintf("/api/v1/subrav?channelId=%s&nonce=%d", v.ChannelID, v.Nonce)
	w := f.do(t, http.MethodGet, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		SubRav subrav.SubRAV `json:"subRav"`
	}
	decode(t, w, &body)
	if body.SubRav.AccumulatedAmount.Int64() != 5 {
		t.Errorf("amount: got %s", body.SubRav.AccumulatedAmount)
	}
}

func TestSubRAV_UnknownChannelIs404(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	w := f.do(t, http.MethodGet, "/api/v1/subrav?channelId=0xdead&nonce=1", nil)
	wantCode(t, w, http.StatusNotFound, CodeNotFound)
}

func TestSubRAV_ForeignChannelIs403(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	otherKey := subrav.ChannelKey{
		PayerDID: "did:eth:0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		PayeeDID: testPayee,
		AssetID:  "usdc",
	}
	v, _ := f.ledg.ProposeNext(context.Background(), otherKey, big.NewInt(5))

	path := fmt.Sprintf("/api/v1/subrav?channelId=%s&nonce=%d", v.ChannelID, v.Nonce)
	wantCode(t, f.do(t, http.MethodGet, path, nil), http.StatusForbidden, CodeForbidden)
}

func TestSubRAV_MissingParams(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	wantCode(t, f.do(t, http.MethodGet, "/api/v1/subrav", nil), http.StatusBadRequest, CodeBadRequest)
}

// ── POST /commit ─────────────────────────────────────────────────────────────

func TestCommit_AttachesSignature(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	w := f.do(t, http.MethodPost, "/api/v1/commit", gin.H{
		"channel_id": v.ChannelID,
		"nonce":      v.Nonce,
		"signature":  "0xabcd",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}

	got, err := f.ledg.FindLatestPendingProposal(context.Background(), v.ChannelID)
	if err != nil {
		t.Fatalf("FindLatestPendingProposal: %v", err)
	}
	if !got.Signed() {
		t.Error("commit did not persist the signature")
	}
}

func TestCommit_RejectedSignature(t *testing.T) {
	f := newFixture(t, stubVerifier{reject: true})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	w := f.do(t, http.MethodPost, "/api/v1/commit", gin.H{
		"channel_id": v.ChannelID,
		"nonce":      v.Nonce,
		"signature":  "0xabcd",
	})
	wantCode(t, w, http.StatusForbidden, CodeForbidden)

	got, _ := f.ledg.FindLatestPendingProposal(context.Background(), v.ChannelID)
	if got.Signed() {
		t.Error("rejected commit must not attach a signature")
	}
}

func TestCommit_WrongNonce(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	w := f.do(t, http.MethodPost, "/api/v1/commit", gin.H{
		"channel_id": v.ChannelID,
		"nonce":      v.Nonce + 7,
		"signature":  "0xabcd",
	})
	wantCode(t, w, http.StatusNotFound, CodeNotFound)
}

func TestCommit_BadSignatureHex(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	w := f.do(t, http.MethodPost, "/api/v1/commit", gin.H{
		"channel_id": v.ChannelID,
		"nonce":      v.Nonce,
		"signature":  "zzzz",
	})
	wantCode(t, w, http.StatusBadRequest, CodeBadRequest)
}

// ── POST /admin/claim ────────────────────────────────────────────────────────

func TestAdminClaim_RequiresKey(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/claim?channelId="+v.ChannelID, nil)
	req.Header.Set("X-Caller-DID", testPayer)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	wantCode(t, w, http.StatusForbidden, CodeForbidden)
}

func TestAdminClaim_SettlesSignedChannel(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))
	if _, err := f.ledg.AttachSignature(context.Background(), v.ChannelID, v.Nonce, []byte{0xab}); err != nil {
		t.Fatalf("AttachSignature: %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/admin/claim?channelId="+v.ChannelID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
	var body struct {
		Success bool   `json:"success"`
		TxHash  string `json:"tx_hash"`
	}
	decode(t, w, &body)
	if !body.Success || body.TxHash == "" {
		t.Errorf("claim result: %+v", body)
	}
}

func TestAdminClaim_UnsignedChannelFails(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	v, _ := f.ledg.ProposeNext(context.Background(), f.key, big.NewInt(5))

	w := f.do(t, http.MethodPost, "/api/v1/admin/claim?channelId="+v.ChannelID, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d body %s", w.Code, w.Body)
	}
}

func TestAdminClaim_MissingChannel(t *testing.T) {
	f := newFixture(t, stubVerifier{})
	wantCode(t, f.do(t, http.MethodPost, "/api/v1/admin/claim", nil), http.StatusBadRequest, CodeBadRequest)
}
