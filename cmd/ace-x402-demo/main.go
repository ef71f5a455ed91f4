// Command ace-x402-demo drives a full client-to-origin ACE payment
// round trip against an in-process origin server: an unpaid GET gets a
// 402 challenge, the interceptor signs and retries it, and the origin
// settles and replies 200. It exists to exercise the whole stack
// (session, interceptor, origin, wire) the way an integration test
// would, but as a runnable CLI rather than a test.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/ChaosChain/chaoschain-ace-sdk/interceptor"
	"github.com/ChaosChain/chaoschain-ace-sdk/origin"
	"github.com/ChaosChain/chaoschain-ace-sdk/session"
	"github.com/ChaosChain/chaoschain-ace-sdk/sessionstore"
	"github.com/ChaosChain/chaoschain-ace-sdk/wallet"
)

func main() {
	privateKey := flag.String("private-key", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", "hex-encoded secp256k1 private key for the client wallet")
	amount := flag.Int64("amount-microusdc", 1_000, "configured price of the protected resource, in micro-USDC")
	spendLimit := flag.Int64("spend-limit-microusdc", 100_000, "client session spend limit, in micro-USDC")
	secret := flag.String("challenge-secret", "demo-secret", "HMAC secret shared between origin and the challenge it issues")
	logLevel := flag.String("log-level", "info", "slog level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	ledger, err := origin.NewPaymentLedger(os.TempDir() + "/ace-x402-demo-ledger.json")
	if err != nil {
		logger.Error("failed to open payment ledger", "error", err)
		os.Exit(1)
	}

	verifier := origin.NewVerifier(origin.Config{
		AmountMicrousdc:     *amount,
		ChallengeSecret:     *secret,
		ChallengeTTLSeconds: 60,
		Network:             "base",
		PayTo:               "0x000000000000000000000000000000000000ff",
	}, ledger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/compute", origin.PaymentMiddleware(verifier, func(c *gin.Context) (interface{}, error) {
		return gin.H{"answer": 42}, nil
	}, origin.WithOnSettled(func(c *gin.Context, outcome origin.Outcome) {
		logger.Info("settled payment", "idempotencyKey", outcome.Record.IdempotencyKey, "replayed", outcome.Replayed)
	})))

	server := httptest.NewServer(router)
	defer server.Close()

	w, err := wallet.NewECDSAWalletFromPrivateKey(*privateKey)
	if err != nil {
		logger.Error("failed to load wallet", "error", err)
		os.Exit(1)
	}

	store := sessionstore.NewMemoryStore()
	ledgerClient, err := session.Create(w, store, *spendLimit, 3600)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Transport: interceptor.New(http.DefaultTransport, ledgerClient)}

	resp, err := httpClient.Get(server.URL + "/compute")
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	snapshot, err := ledgerClient.GetSnapshot()
	if err != nil {
		logger.Error("failed to read session snapshot", "error", err)
		os.Exit(1)
	}

	fmt.Printf("status: %d\n", resp.StatusCode)
	fmt.Printf("session %s: cumulative=%d pending=%d available=%d\n",
		snapshot.SessionID, snapshot.CumulativeSpendMicrousdc, snapshot.PendingSpendMicrousdc, snapshot.AvailableSpendMicrousdc)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
