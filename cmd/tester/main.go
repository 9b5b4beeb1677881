package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

// Claim results reported on loadgen_claims_total.
const (
	claimWon    = "won"
	claimLost   = "lost"
	claimDouble = "double"
	claimError  = "error"
)

// loadStats are the counters printed in the final summary.
type loadStats struct {
	sent         atomic.Int64
	sendErrors   atomic.Int64
	claimsWon    atomic.Int64
	claimsLost   atomic.Int64
	doubleClaims atomic.Int64
	replies      atomic.Int64
	replyErrors  atomic.Int64
}

// loadGen drives the bridge through its public HTTP surface.
type loadGen struct {
	baseURL  string
	secret   string
	users    []string
	client   *http.Client
	stats    *loadStats
	winners  sync.Map // message id -> consumer index that claimed it
	sequence atomic.Int64
}

func main() {
	// --- Configuration & Flag Parsing ---
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	defaultSecret := ""
	if seed, ok := cfg.Platforms[model.PlatformWebhook]; ok {
		defaultSecret = seed.Settings[model.SettingSecret]
	}

	baseURL := flag.String("url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port), "Bridge base URL")
	secret := flag.String("secret", defaultSecret, "Shared secret of the generic webhook platform")
	rate := flag.Int("rate", 50, "Target webhooks per second")
	duration := flag.Duration("duration", 1*time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent webhook senders")
	userCount := flag.Int("users", 20, "Number of distinct external users to simulate")
	consumers := flag.Int("consumers", 4, "Number of simulated consumers racing to claim messages")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "IM Bridge Load Generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Sends signed webhook traffic to the bridge and races consumers on the claim endpoint.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *rate <= 0 {
		*rate = 50
	}
	if *userCount <= 0 {
		*userCount = 1
	}

	// --- Initialization ---
	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *secret == "" {
		logger.Log.Fatal("Webhook secret is required, pass -secret or seed platforms.webhook.settings.secret")
	}

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	logger.Log.Info("Starting IM Bridge load generator",
		zap.String("url", *baseURL),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("users", *userCount),
		zap.Int("consumers", *consumers),
		zap.Int("metrics_port", *metricsPort),
	)

	gofakeit.Seed(time.Now().UnixNano())

	gen := &loadGen{
		baseURL: *baseURL,
		secret:  *secret,
		client:  &http.Client{Timeout: 60 * time.Second},
		stats:   &loadStats{},
	}
	for i := 0; i < *userCount; i++ {
		gen.users = append(gen.users, gofakeit.UUID())
	}

	// --- Worker Pool Setup ---
	var sendWg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		defer sendWg.Done()
		gen.sendWebhook(ctx, data.(string))
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	consumerCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	var consumerWg sync.WaitGroup
	for i := 0; i < *consumers; i++ {
		consumerWg.Add(1)
		go func(idx int) {
			defer consumerWg.Done()
			gen.runConsumer(consumerCtx, idx)
		}(i)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		gen.runLoadLoop(ctx, *rate, *duration, pool, &sendWg)
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
		cancel()
	case <-loopDone:
		logger.Log.Info("Load generation duration finished")
	}

	<-loopDone
	sendWg.Wait()
	logger.Log.Info("All webhooks sent, letting consumers drain")

	// Consumers get a short grace period to claim what is still pending.
	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
	}
	stopConsumers()
	consumerWg.Wait()

	gen.report()
	cancel()
	metricsWg.Wait()

	if gen.stats.doubleClaims.Load() > 0 {
		os.Exit(2)
	}
}

func startMetricsServer(port int) *http.Server {
	logger.Log.Info("Starting Prometheus metrics server", zap.Int("port", port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()
	return server
}

// runLoadLoop hands one webhook per tick to the pool until duration elapses or ctx ends.
func (g *loadGen) runLoadLoop(ctx context.Context, rate int, duration time.Duration, pool *ants.PoolWithFunc, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-ticker.C:
			n := g.sequence.Add(1)
			user := g.users[int(n)%len(g.users)]
			wg.Add(1)
			if err := pool.Invoke(user); err != nil {
				wg.Done()
				g.stats.sendErrors.Add(1)
				observer.IncLoadgenWebhookError(model.PlatformWebhook)
				logger.Log.Warn("Failed to invoke worker pool", zap.Error(err))
			}
		}
	}
}

func (g *loadGen) sendWebhook(ctx context.Context, userID string) {
	payload := platform.WebhookPayload{
		MessageID: gofakeit.UUID(),
		UserID:    userID,
		Username:  gofakeit.Username(),
		Text:      gofakeit.Sentence(gofakeit.Number(3, 15)),
		Timestamp: time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		g.recordSendError(err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/webhooks/"+model.PlatformWebhook, bytes.NewReader(body))
	if err != nil {
		g.recordSendError(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(platform.SignatureHeader, platform.Sign(g.secret, body))

	resp, err := g.client.Do(req)
	if err != nil {
		g.recordSendError(err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		g.recordSendError(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		return
	}
	g.stats.sent.Add(1)
	observer.IncLoadgenWebhookSent(model.PlatformWebhook)
}

func (g *loadGen) recordSendError(err error) {
	g.stats.sendErrors.Add(1)
	observer.IncLoadgenWebhookError(model.PlatformWebhook)
	logger.Log.Debug("Webhook send failed", zap.Error(err))
}

// runConsumer long-polls pending messages and tries to claim every one it sees. All
// consumers see the same rows, so each claim is a race the bridge must settle exactly once.
func (g *loadGen) runConsumer(ctx context.Context, idx int) {
	log := logger.Log.With(zap.Int("consumer", idx))
	for ctx.Err() == nil {
		var pending struct {
			Messages []model.PendingMessage `json:"messages"`
		}
		q := url.Values{"platform": {model.PlatformWebhook}, "wait": {"2s"}, "limit": {"50"}}
		status, err := g.call(ctx, http.MethodGet, "/api/pending-messages?"+q.Encode(), nil, &pending)
		if err != nil || status != http.StatusOK {
			if ctx.Err() == nil {
				log.Debug("Pending poll failed", zap.Int("status", status), zap.Error(err))
				time.Sleep(500 * time.Millisecond)
			}
			continue
		}
		for _, msg := range pending.Messages {
			if ctx.Err() != nil {
				return
			}
			g.claim(ctx, log, idx, msg.ID)
		}
	}
}

func (g *loadGen) claim(ctx context.Context, log *zap.Logger, idx int, id string) {
	var res struct {
		Claimed bool `json:"claimed"`
	}
	status, err := g.call(ctx, http.MethodPost, "/api/pending-messages/"+id+"/claim", nil, &res)
	switch {
	case err != nil || (status != http.StatusOK && status != http.StatusConflict):
		observer.IncLoadgenClaim(claimError)
		log.Debug("Claim failed", zap.String("message_id", id), zap.Int("status", status), zap.Error(err))
		return
	case !res.Claimed:
		g.stats.claimsLost.Add(1)
		observer.IncLoadgenClaim(claimLost)
		return
	}

	if prev, loaded := g.winners.LoadOrStore(id, idx); loaded {
		g.stats.doubleClaims.Add(1)
		observer.IncLoadgenClaim(claimDouble)
		log.Error("Message claimed twice", zap.String("message_id", id), zap.Any("first_consumer", prev))
		return
	}
	g.stats.claimsWon.Add(1)
	observer.IncLoadgenClaim(claimWon)

	reply := map[string]string{"content": gofakeit.Sentence(8)}
	status, err = g.call(ctx, http.MethodPost, "/api/pending-messages/"+id+"/reply", reply, nil)
	if err != nil || status != http.StatusOK {
		// Delivery to the callback may fail in a bare setup; the message is still resolved.
		g.stats.replyErrors.Add(1)
		log.Debug("Reply failed", zap.String("message_id", id), zap.Int("status", status), zap.Error(err))
		return
	}
	g.stats.replies.Add(1)
}

func (g *loadGen) call(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (g *loadGen) report() {
	s := g.stats
	logger.Log.Info("Load generation summary",
		zap.Int64("webhooks_sent", s.sent.Load()),
		zap.Int64("webhook_errors", s.sendErrors.Load()),
		zap.Int64("claims_won", s.claimsWon.Load()),
		zap.Int64("claims_lost", s.claimsLost.Load()),
		zap.Int64("double_claims", s.doubleClaims.Load()),
		zap.Int64("replies", s.replies.Load()),
		zap.Int64("reply_errors", s.replyErrors.Load()),
	)
	if s.doubleClaims.Load() > 0 {
		logger.Log.Error("Claim race detected: some messages were claimed by more than one consumer",
			zap.Int64("double_claims", s.doubleClaims.Load()))
	}
}
