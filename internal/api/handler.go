// Package api is the HTTP billing façade: pricing, billed request admission,
// voucher recovery and signature commits, and the admin claim trigger.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

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

// Stable error codes surfaced to callers.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeTimeout      = "REQUEST_TIMEOUT"
	CodeInternal     = "INTERNAL_ERROR"
)

// CommitVerifier checks a payer's signature on a voucher. Satisfied by
// chain.Client; tests inject a stub.
type CommitVerifier interface {
	VerifyCommit(v *subrav.SubRAV, sig []byte, payerDID string) error
}

// Options carries the service identity the handler derives channels with.
type Options struct {
	PayeeDID       string
	DefaultAssetID string
	DefaultService string
	AdminKey       string
}

// Handler wires the billing core onto a Gin router group.
type Handler struct {
	engine   *billing.Engine
	ledg     *ledger.Ledger
	repo     ledger.Repository
	rates    rate.Provider
	coord    *claim.Coordinator
	sched    *scheduler.Scheduler
	verifier CommitVerifier
	opts     Options
	log      *zap.Logger
}

func NewHandler(
	engine *billing.Engine,
	ledg *ledger.Ledger,
	repo ledger.Repository,
	rates rate.Provider,
	coord *claim.Coordinator,
	sched *scheduler.Scheduler,
	verifier CommitVerifier,
	opts Options,
	log *zap.Logger,
) *Handler {
	return &Handler{
		engine:   engine,
		ledg:     ledg,
		repo:     repo,
		rates:    rates,
		coord:    coord,
		sched:    sched,
		verifier: verifier,
		opts:     opts,
		log:      log,
	}
}

// Register mounts routes. public has no auth; authed has auth.Middleware
// already applied.
func (h *Handler) Register(public, authed *gin.RouterGroup) {
	public.GET("/price", h.handlePrice)

	authed.POST("/bill", h.handleBill)
	authed.GET("/recovery", h.handleRecovery)
	authed.GET("/subrav", h.handleSubRAV)
	authed.POST("/commit", h.handleCommit)
	authed.POST("/admin/claim", h.withAdmin(h.handleAdminClaim))
}

// ── GET /price ───────────────────────────────────────────────────────────────

func (h *Handler) handlePrice(c *gin.Context) {
	assetID := c.Query("assetId")
	if assetID == "" {
		assetID = h.opts.DefaultAssetID
	}

	price, err := h.rates.PricePicoUSD(c.Request.Context(), assetID)
	if err != nil {
		if errors.Is(err, rate.ErrUnknownAsset) {
			abort(c, http.StatusNotFound, CodeNotFound, "unknown asset")
			return
		}
		h.internal(c, "price lookup", err)
		return
	}

	resp := gin.H{"assetId": assetID, "pricePicoUSD": price.String()}
	if t, ok := h.rates.LastUpdated(c.Request.Context(), assetID); ok {
		resp["lastUpdated"] = t.Unix()
	}
	c.JSON(http.StatusOK, resp)
}

// ── POST /bill ───────────────────────────────────────────────────────────────

type billRequest struct {
	ServiceID string         `json:"service_id"`
	AssetID   string         `json:"asset_id"`
	Meta      map[string]any `json:"meta"`
}

// handleBill prices a request and folds the cost into the caller's channel.
// The proposal runs as a scheduler task so billed work shares the bounded
// concurrency budget; a client disconnect cancels a still-queued task before
// it bills anything.
func (h *Handler) handleBill(c *gin.Context) {
	caller := c.GetString(auth.CallerKey)

	var req billRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if req.ServiceID == "" {
		req.ServiceID = h.opts.DefaultService
	}
	if req.AssetID == "" {
		req.AssetID = h.opts.DefaultAssetID
	}

	bc := &billing.Context{ServiceID: req.ServiceID, AssetID: req.AssetID, Meta: req.Meta}
	cost, err := h.engine.CalcCost(c.Request.Context(), bc)
	if err != nil {
		h.internal(c, "calc cost", err)
		return
	}
	if cost == nil {
		abort(c, http.StatusNotFound, CodeNotFound, "no billing rule matches request")
		return
	}

	key := subrav.ChannelKey{PayerDID: caller, PayeeDID: h.opts.PayeeDID, AssetID: req.AssetID}
	ctx := c.Request.Context()

	handle := h.sched.Enqueue(func(release func(), cancelled <-chan struct{}) (any, error) {
		select {
		case <-cancelled:
			return nil, scheduler.ErrCancelled
		default:
		}
		v, err := h.ledg.ProposeNext(ctx, key, cost)
		release()
		return v, err
	})

	result, err := handle.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; make sure a queued task never bills. Still
			// write a response so middleware and access logs see the abort,
			// not a bare 200.
			handle.Cancel(ctx.Err())
			abort(c, http.StatusRequestTimeout, CodeTimeout, "client closed request")
			return
		}
		h.internal(c, "propose next", err)
		return
	}

	v := result.(*subrav.SubRAV)
	if h.coord.OverThreshold(ctx, v.ChannelID) {
		go h.coord.TriggerClaim(context.WithoutCancel(ctx), v.ChannelID)
	}

	c.JSON(http.StatusOK, gin.H{
		"cost":   cost.String(),
		"subRav": v,
	})
}

// ── GET /recovery ────────────────────────────────────────────────────────────

// handleRecovery returns the caller's deterministic channel and its pending
// voucher, so a client that lost its last acknowledgment can re-sign the
// exact pending proposal instead of losing billed-but-unclaimed value.
func (h *Handler) handleRecovery(c *gin.Context) {
	caller := c.GetString(auth.CallerKey)
	assetID := c.Query("assetId")
	if assetID == "" {
		assetID = h.opts.DefaultAssetID
	}

	key := subrav.ChannelKey{PayerDID: caller, PayeeDID: h.opts.PayeeDID, AssetID: assetID}
	channel, err := h.ledg.Channel(c.Request.Context(), key)
	if err != nil {
		h.internal(c, "channel lookup", err)
		return
	}

	resp := gin.H{"channel": channel, "pendingSubRav": nil}
	pending, err := h.ledg.FindLatestPendingProposal(c.Request.Context(), channel.ChannelID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		h.internal(c, "pending lookup", err)
		return
	}
	if pending != nil {
		resp["pendingSubRav"] = pending
	}
	c.JSON(http.StatusOK, resp)
}

// ── GET /subrav ──────────────────────────────────────────────────────────────

func (h *Handler) handleSubRAV(c *gin.Context) {
	caller := c.GetString(auth.CallerKey)
	channelID := c.Query("channelId")
	nonce, err := strconv.ParseUint(c.Query("nonce"), 10, 64)
	if channelID == "" || err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, "channelId and nonce required")
		return
	}

	if !h.ownsChannel(c, caller, channelID) {
		return
	}

	v, err := h.ledg.FindPendingProposal(c.Request.Context(), channelID, nonce)
	if errors.Is(err, ledger.ErrNotFound) {
		abort(c, http.StatusNotFound, CodeNotFound, "no proposal at nonce")
		return
	}
	if err != nil {
		h.internal(c, "proposal lookup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subRav": v})
}

// ── POST /commit ─────────────────────────────────────────────────────────────

type commitRequest struct {
	ChannelID string `json:"channel_id"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"` // hex, 0x-optional
}

// handleCommit acknowledges client-side receipt: the payer countersigns the
// pending proposal, making it claimable.
func (h *Handler) handleCommit(c *gin.Context) {
	caller := c.GetString(auth.CallerKey)

	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == "" {
		abort(c, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil || len(sig) == 0 {
		abort(c, http.StatusBadRequest, CodeBadRequest, "invalid signature hex")
		return
	}

	if !h.ownsChannel(c, caller, req.ChannelID) {
		return
	}

	pending, err := h.ledg.FindPendingProposal(c.Request.Context(), req.ChannelID, req.Nonce)
	if errors.Is(err, ledger.ErrNotFound) {
		abort(c, http.StatusNotFound, CodeNotFound, "no pending proposal at nonce")
		return
	}
	if err != nil {
		h.internal(c, "pending lookup", err)
		return
	}

	if err := h.verifier.VerifyCommit(pending, sig, caller); err != nil {
		abort(c, http.StatusForbidden, CodeForbidden, "signature verification failed")
		return
	}

	committed, err := h.ledg.AttachSignature(c.Request.Context(), req.ChannelID, req.Nonce, sig)
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrNonceMismatch) {
		abort(c, http.StatusNotFound, CodeNotFound, "pending proposal moved on")
		return
	}
	if err != nil {
		h.internal(c, "attach signature", err)
		return
	}

	if h.coord.OverThreshold(c.Request.Context(), req.ChannelID) {
		go h.coord.TriggerClaim(context.WithoutCancel(c.Request.Context()), req.ChannelID)
	}
	c.JSON(http.StatusOK, gin.H{"subRav": committed})
}

// ── POST /admin/claim ────────────────────────────────────────────────────────

func (h *Handler) handleAdminClaim(c *gin.Context) {
	channelID := c.Query("channelId")
	if channelID == "" {
		abort(c, http.StatusBadRequest, CodeBadRequest, "channelId required")
		return
	}
	res := h.coord.TriggerClaim(c.Request.Context(), channelID)
	if res.Err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false, "code": CodeInternal, "error": res.Err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) withAdmin(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.AdminKey == "" || c.GetHeader("X-Admin-Key") != h.opts.AdminKey {
			abort(c, http.StatusForbidden, CodeForbidden, "admin key required")
			return
		}
		next(c)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// ownsChannel rejects callers asking about a channel that is not
// deterministically theirs. Unknown channels are 404, not 403, so probing
// does not reveal which channels exist.
func (h *Handler) ownsChannel(c *gin.Context, caller, channelID string) bool {
	ch, err := h.repo.GetChannel(c.Request.Context(), channelID)
	if err != nil {
		h.internal(c, "channel lookup", err)
		return false
	}
	if ch == nil {
		abort(c, http.StatusNotFound, CodeNotFound, "unknown channel")
		return false
	}
	if !strings.EqualFold(ch.PayerDID, caller) {
		abort(c, http.StatusForbidden, CodeForbidden, "channel does not belong to caller")
		return false
	}
	return true
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	// Stack traces and wrapped causes stay in logs, never in responses.
	h.log.Error(op, zap.Error(err))
	abort(c, http.StatusInternalServerError, CodeInternal, "internal error")
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}
