// Package auth resolves the caller's DID from signed request headers.
// Only the did:eth method is verified locally; other DID methods would come
// in through a different Verifier implementation.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/ravpay/payment-kit/internal/subrav"
)

// CallerKey is the gin context key holding the authenticated caller DID.
const CallerKey = "caller_did"

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action    string          `json:"action"`
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
}

const maxFutureWindow = 5 * time.Minute

// Verifier checks that sig over msg was produced by the subject of did.
type Verifier interface {
	Verify(did string, msg, sig []byte) error
}

// EthVerifier verifies did:eth callers via EIP-191 personal-sign recovery.
type EthVerifier struct{}

func (EthVerifier) Verify(did string, msg, sig []byte) error {
	want, err := subrav.AddressFromDID(did)
	if err != nil {
		return err
	}
	recovered, err := recoverPersonalSign(msg, sig)
	if err != nil {
		return err
	}
	if recovered != want {
		return fmt.Errorf("signature by %s, expected %s", recovered.Hex(), want.Hex())
	}
	return nil
}

// recoverPersonalSign extracts the signer from an EIP-191 prefixed signature:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg). sig is
// 65 bytes R || S || V with V in {0,1} or {27,28}.
func recoverPersonalSign(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	hash := crypto.Keccak256([]byte(prefix), msg)

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Middleware validates the caller's signed headers and stores the DID in the
// gin context. Nonces are deduplicated in Redis for the message's lifetime.
func Middleware(rdb *redis.Client, verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		callerDID := c.GetHeader("X-Caller-DID")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Signature")

		if callerDID == "" || signedMsgB64 == "" || sigHex == "" {
			abortUnauthorized(c, "missing auth headers")
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			abortUnauthorized(c, "invalid X-Signed-Message encoding")
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			abortUnauthorized(c, "invalid signed message JSON")
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			abortUnauthorized(c, "request expired")
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			abortUnauthorized(c, "expires_at too far in future")
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			abortUnauthorized(c, "invalid signature hex")
			return
		}

		if err := verifier.Verify(callerDID, msgBytes, sig); err != nil {
			abortUnauthorized(c, "invalid signature")
			return
		}

		// Nonce dedup via Redis SET NX, expiring with the message.
		nonceKey := "auth:nonce:" + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(context.Background(), nonceKey, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code": "INTERNAL_ERROR", "error": "internal error",
			})
			return
		}
		if !set {
			abortUnauthorized(c, "nonce already used")
			return
		}

		c.Set(CallerKey, callerDID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": "UNAUTHORIZED", "error": msg,
	})
}
