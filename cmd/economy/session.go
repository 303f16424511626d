package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mining_economy/internal/accrual"
	"mining_economy/internal/api"
	"mining_economy/internal/collector"
	"mining_economy/internal/config"
	"mining_economy/internal/fingerprint"
	"mining_economy/internal/repository/sqlstore"
	"mining_economy/internal/service"
	"mining_economy/pkg/crypto"
	"mining_economy/pkg/metrics"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceStatusCmd)
	deviceCmd.AddCommand(deviceClearCmd)

	collectCmd.Flags().Bool("json", false, "Print the result as JSON")
}

// session is one client session: a remote store, the local device state
// and a fingerprint computed once at start.
type session struct {
	cfg         config.Config
	logger      *slog.Logger
	deviceDB    *sqlstore.DB
	validator   *fingerprint.Validator
	alerts      *service.AlertService
	metrics     *metrics.MetricsCollector
	coordinator *collector.Coordinator
}

func openSession(ctx context.Context) (*session, error) {
	id, err := requireAccount()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupClientLogger(cfg.Log.Level)

	deviceDB, err := sqlstore.OpenSQLite(ctx, cfg.Store.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device state: %w", err)
	}

	fp, err := fingerprint.NewGenerator(logger).Generate(ctx, fingerprint.NewHostSource(version))
	if err != nil {
		deviceDB.Close()
		return nil, err
	}

	var verifier *crypto.Signer
	if cfg.Server.ReceiptSecret != "" {
		verifier = crypto.NewSigner(cfg.Server.ReceiptSecret, logger)
	}
	client := api.NewClient(cfg.Client.BaseURL, cfg.Client.Token, verifier, logger)

	sessionMetrics := metrics.NewMetricsCollector(logger)
	devices := sqlstore.NewDeviceRepository(deviceDB)
	validator := fingerprint.NewValidator(devices, logger,
		fingerprint.WithWindow(cfg.Collector.SuspicionWindow.Duration),
		fingerprint.WithThreshold(cfg.Collector.SuspicionThreshold),
		fingerprint.WithObserver(sessionMetrics))
	sinks := []service.AlertSink{service.NewLogSink(logger)}
	if cfg.Alerts.EmailEnabled() {
		sinks = append(sinks, service.NewEmailSink(service.SMTPConfig{
			Host:     cfg.Alerts.SMTPHost,
			Port:     cfg.Alerts.SMTPPort,
			Username: cfg.Alerts.SMTPUsername,
			Password: cfg.Alerts.SMTPPassword,
			From:     cfg.Alerts.From,
			To:       cfg.Alerts.To,
		}))
	}
	alerts := service.NewAlertService(sinks, cfg.Collector.AlertWorkers, 100, logger)

	coordinator := collector.NewCoordinator(client,
		collector.Session{AccountID: id, Fingerprint: fp},
		collector.WithValidator(validator),
		collector.WithAlerter(alerts),
		collector.WithRecorder(sessionMetrics),
		collector.WithPendingStore(devices),
		collector.WithTimeout(cfg.Collector.Timeout.Duration),
		collector.WithLogger(logger))

	return &session{
		cfg:         cfg,
		logger:      logger,
		deviceDB:    deviceDB,
		validator:   validator,
		alerts:      alerts,
		metrics:     sessionMetrics,
		coordinator: coordinator,
	}, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.alerts.Shutdown(ctx); err != nil {
		s.logger.Error("Alert service shutdown failed", slog.String("error", err.Error()))
	}
	if path := s.cfg.Client.MetricsFile; path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			s.logger.Error("Metrics textfile not written", slog.String("error", err.Error()))
		}
	}
	s.deviceDB.Close()
}

// ─── estimate ───────────────────────────────────────────────────────────────

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Show the live (non-authoritative) earnings estimate",
	RunE:  runEstimate,
}

func runEstimate(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.coordinator.Refresh(cmd.Context()); err != nil {
		return err
	}
	est, err := s.coordinator.Estimate(time.Now())
	if err != nil {
		return err
	}
	printEstimate(est)
	return nil
}

func printEstimate(est accrual.Estimate) {
	fmt.Fprintf(os.Stdout, "Earned:   %s (worker %s, investor %s)\n",
		est.TotalEarned.StringFixed(4), est.WorkerEarned.StringFixed(4), est.InvestorEarned.StringFixed(4))
	fmt.Fprintf(os.Stdout, "Progress: %.1f%% of %s over %.2fh\n",
		est.ProgressPercent, est.MaxEarnable.StringFixed(2), est.ElapsedHours)
	if est.IsPastWindow {
		fmt.Fprintln(os.Stdout, "Worker window full: collect to keep earning.")
	}
}

// ─── watch ──────────────────────────────────────────────────────────────────

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live-update the earnings meter until interrupted",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.coordinator.Refresh(cmd.Context()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meter := collector.NewMeter(s.coordinator, s.cfg.Collector.MeterInterval.Duration, func(_ time.Time, est accrual.Estimate) {
		fmt.Fprintf(os.Stdout, "\r%s  [%5.1f%%]", est.TotalEarned.StringFixed(6), est.ProgressPercent)
	})
	err = meter.Run(ctx)
	fmt.Fprintln(os.Stdout)
	return err
}

// ─── collect ────────────────────────────────────────────────────────────────

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect accrued earnings into the balance",
	Long: `Ask the server to credit what the account has earned. The amount is
computed by the server; the local estimate is never sent.`,
	RunE: runCollect,
}

func runCollect(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.coordinator.Collect(cmd.Context())
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return err
	}

	switch {
	case errors.Is(err, collector.ErrTimeout), errors.Is(err, collector.ErrStoreUnavailable):
		return fmt.Errorf("%w (safe to retry, request %s is kept)", err, res.RequestID)
	case err != nil:
		return err
	}

	switch res.Status {
	case collector.StatusNothingToCollect:
		fmt.Fprintln(os.Stdout, "Nothing to collect yet.")
	default:
		fmt.Fprintf(os.Stdout, "Collected %s. Balance: %s\n", res.Credited.StringFixed(8), res.Balance.StringFixed(8))
	}
	return nil
}

// ─── device ─────────────────────────────────────────────────────────────────

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect or clear this device's fingerprint state",
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the registered fingerprint and recent mismatches",
	RunE:  runDeviceStatus,
}

func runDeviceStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	id := s.coordinator.Session().AccountID
	current := s.coordinator.Session().Fingerprint

	rec, err := s.validator.Device(ctx, id)
	if err != nil {
		return err
	}
	sus, err := s.validator.CheckSuspicious(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Current:    %s", current.Hash)
	if current.Weak {
		fmt.Fprint(os.Stdout, " (weak)")
	}
	fmt.Fprintln(os.Stdout)
	if rec == nil {
		fmt.Fprintln(os.Stdout, "Registered: none (first collection registers this device)")
	} else {
		fmt.Fprintf(os.Stdout, "Registered: %s at %s\n", rec.Fingerprint, rec.RegisteredAt.Format(time.RFC3339))
	}
	fmt.Fprintf(os.Stdout, "Mismatches: %d in window, suspicious=%t\n", sus.MismatchCount, sus.IsSuspicious)
	if sus.RiskScore > 0 {
		fmt.Fprintf(os.Stdout, "Risk:       %d %v\n", sus.RiskScore, sus.Flags)
	}
	return nil
}

var deviceClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget this device's fingerprint and event log (sign-out)",
	RunE:  runDeviceClear,
}

func runDeviceClear(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.validator.Clear(cmd.Context(), s.coordinator.Session().AccountID); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "Device state cleared.")
	return nil
}
