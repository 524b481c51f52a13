package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokensale/config"
	"tokensale/core/events"
	"tokensale/core/state"
	"tokensale/core/types"
	"tokensale/native/sale"
	"tokensale/observability"
	"tokensale/observability/logging"
	"tokensale/storage"
)

func main() {
	configPath := flag.String("config", "saled.toml", "path to the saled configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("saled", cfg.Environment)

	srv, closeFn, err := buildServer(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func buildServer(cfg *config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	saleToken, err := cfg.Account("SaleToken")
	if err != nil {
		return nil, nil, err
	}
	stableToken, err := cfg.Account("StableToken")
	if err != nil {
		return nil, nil, err
	}
	vault, err := cfg.Account("Vault")
	if err != nil {
		return nil, nil, err
	}
	beneficiary, err := cfg.Account("Beneficiary")
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := storage.OpenBolt(filepath.Join(cfg.DataDir, "saled.db"))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = store.Close() }

	manager, err := state.NewManager(store)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	tokenLedger, err := state.NewTokenLedger(manager, vault)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	stableLedger, err := state.NewStableLedger(manager, vault)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	nativeLedger, err := state.NewNativeLedger(manager)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	gateway, err := sale.NewGateway(tokenLedger, stableLedger, nativeLedger, vault)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	nativeFeed := sale.NewHTTPFeed(nil, cfg.NativeFeedURL, cfg.FeedAPIKey)
	stableFeed := sale.NewHTTPFeed(nil, cfg.StableFeedURL, cfg.FeedAPIKey)
	resolver, err := sale.NewResolver(nativeFeed, stableFeed, cfg.MaxQuoteAge())
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	engine, err := sale.NewEngine(sale.Config{
		SaleToken:   saleToken,
		StableToken: stableToken,
		Vault:       vault,
		Beneficiary: beneficiary,
	}, resolver, gateway)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	engine.SetReceipts(sale.NewReceiptLedger(store))
	engine.SetEmitter(logEmitter{logger: logger})

	api := &saleAPI{engine: engine, metrics: observability.Metrics(), logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sale/buy", api.buy)
	mux.HandleFunc("POST /v1/sale/buy-stable", api.buyStable)
	mux.HandleFunc("POST /v1/sale/sell", api.sell)
	mux.HandleFunc("GET /v1/sale/quote", api.quote)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, closeFn, nil
}

// logEmitter renders engine events as structured log lines.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(event events.Event) {
	renderer, ok := event.(interface{ Event() *types.Event })
	if !ok {
		l.logger.Info("event", "type", event.EventType())
		return
	}
	rendered := renderer.Event()
	args := make([]any, 0, 2*len(rendered.Attributes)+2)
	args = append(args, "type", rendered.Type)
	for key, value := range rendered.Attributes {
		args = append(args, key, value)
	}
	l.logger.Info("event", args...)
}

type saleAPI struct {
	engine  *sale.Engine
	metrics *observability.SaleMetrics
	logger  *slog.Logger
}

type settlementRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (a *saleAPI) buy(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeSettlementRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	result, err := a.engine.BuyTokens(r.Context(), account, amount)
	a.observe("buy", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if result.Refund.Sign() > 0 {
		a.metrics.ObserveRefund()
	}
	writeJSON(w, map[string]string{
		"tokensIssued": result.TokensIssued.String(),
		"refund":       result.Refund.String(),
	})
}

func (a *saleAPI) buyStable(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeSettlementRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	result, err := a.engine.BuyTokensForStable(r.Context(), account, amount)
	a.observe("buy-stable", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"tokensIssued": result.TokensIssued.String()})
}

func (a *saleAPI) sell(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeSettlementRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	result, err := a.engine.SellTokens(r.Context(), account, amount)
	a.observe("sell", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"payout": result.Payout.String()})
}

func (a *saleAPI) quote(w http.ResponseWriter, r *http.Request) {
	asset := sale.PaymentAsset(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("asset"))))
	if asset == "" {
		asset = sale.AssetNative
	}
	amount, err := parseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tokens, err := a.engine.Quote(r.Context(), asset, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"tokens": tokens.String()})
}

func (a *saleAPI) observe(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, sale.ErrOracleUnavailable) {
			a.metrics.ObserveOracleFailure()
		}
	}
	a.metrics.ObserveSettlement(operation, outcome, time.Since(start))
}

func decodeSettlementRequest(r *http.Request) ([20]byte, *big.Int, error) {
	var account [20]byte
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return account, nil, fmt.Errorf("decode request: %w", err)
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return account, nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return account, nil, err
	}
	return account, amount, nil
}

func parseAccount(raw string) ([20]byte, error) {
	var account [20]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if len(trimmed) != 40 {
		return account, fmt.Errorf("account must be 20 bytes (got %d hex chars)", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return account, fmt.Errorf("decode account: %w", err)
	}
	copy(account[:], decoded)
	return account, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sale.ErrZeroPayment), errors.Is(err, sale.ErrAllowanceInsufficient):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, sale.ErrInsufficientSaleBalance):
		status = http.StatusConflict
	case errors.Is(err, sale.ErrOracleUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sale.ErrReentrantCall):
		status = http.StatusTooManyRequests
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
