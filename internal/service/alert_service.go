package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mining_economy/internal/fingerprint"
)

var ErrQueueClosed = errors.New("alert queue closed")

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	AccountID string
	Severity  AlertSeverity
	Subject   string
	Message   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// AlertSink delivers one alert to an operator channel.
type AlertSink interface {
	Name() string
	Deliver(ctx context.Context, alert Alert) error
}

// AlertService fans security alerts out to every sink from a fixed pool
// of workers, so the collect path never waits on delivery.
type AlertService struct {
	sinks        []AlertSink
	queue        chan Alert
	workers      int
	shutdownChan chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	logger       *slog.Logger
}

func NewAlertService(sinks []AlertSink, workers, queueSize int, logger *slog.Logger) *AlertService {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}

	service := &AlertService{
		sinks:        sinks,
		queue:        make(chan Alert, queueSize),
		workers:      workers,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}

	service.startWorkers()

	return service
}

// SuspiciousDevice queues an alert for an account whose mismatch count
// crossed the threshold.
func (s *AlertService) SuspiciousDevice(ctx context.Context, accountID string, sus fingerprint.Suspicion) error {
	threshold, window := sus.Threshold, sus.Window
	if threshold <= 0 {
		threshold = fingerprint.DefaultSuspicionThreshold
	}
	if window <= 0 {
		window = fingerprint.DefaultSuspicionWindow
	}

	severity := SeverityWarning
	if sus.RiskScore >= fingerprint.CriticalRiskScore || sus.MismatchCount > 2*threshold {
		severity = SeverityCritical
	}

	alert := Alert{
		AccountID: accountID,
		Severity:  severity,
		Subject:   fmt.Sprintf("Suspicious device activity - %s", accountID),
		Message: fmt.Sprintf("Account %s reported %d device fingerprint mismatches in the last %s.",
			accountID, sus.MismatchCount, window),
		Metadata: map[string]string{
			"account_id":     accountID,
			"mismatch_count": fmt.Sprintf("%d", sus.MismatchCount),
			"risk_score":     fmt.Sprintf("%d", sus.RiskScore),
		},
		CreatedAt: time.Now(),
	}
	if len(sus.Flags) > 0 {
		alert.Metadata["flags"] = strings.Join(sus.Flags, ",")
	}
	if n := len(sus.RecentEvents); n > 0 {
		alert.Metadata["observed_hash"] = sus.RecentEvents[n-1].ObservedHash
	}

	return s.Enqueue(ctx, alert)
}

func (s *AlertService) Enqueue(ctx context.Context, alert Alert) error {
	select {
	case <-s.shutdownChan:
		return ErrQueueClosed
	default:
	}

	select {
	case s.queue <- alert:
		s.logger.Warn("Security alert queued",
			slog.String("account_id", alert.AccountID),
			slog.String("severity", string(alert.Severity)))
		return nil
	case <-s.shutdownChan:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AlertService) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *AlertService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("Alert worker started", slog.Int("worker_id", id))

	for {
		select {
		case alert := <-s.queue:
			s.deliver(alert, id)
		case <-s.shutdownChan:
			// Drain what was accepted before shutdown.
			for {
				select {
				case alert := <-s.queue:
					s.deliver(alert, id)
				default:
					s.logger.Debug("Alert worker stopping", slog.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (s *AlertService) deliver(alert Alert, workerID int) {
	for _, sink := range s.sinks {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sink.Deliver(ctx, alert)
		cancel()

		if err != nil {
			s.logger.Error("Failed to deliver alert",
				slog.String("sink", sink.Name()),
				slog.String("account_id", alert.AccountID),
				slog.String("error", err.Error()),
				slog.Int("worker_id", workerID),
				slog.Duration("duration", time.Since(startTime)))
			continue
		}
		s.logger.Info("Alert delivered",
			slog.String("sink", sink.Name()),
			slog.String("account_id", alert.AccountID),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", time.Since(startTime)))
	}
}

func (s *AlertService) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.shutdownChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Alert service shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(ctx context.Context, alert Alert) error {
	attrs := []any{
		slog.String("severity", string(alert.Severity)),
		slog.String("account_id", alert.AccountID),
		slog.String("message", alert.Message),
	}
	for k, v := range alert.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	l.logger.WarnContext(ctx, alert.Subject, attrs...)
	return nil
}

// MemorySink keeps delivered alerts, for tests and the CLI dry run.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Deliver(ctx context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemorySink) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}
