package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/floraexport/cartera/internal/cartera"
	jobmetrics "github.com/floraexport/cartera/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// StatementSink receives assembled statements. Rendering and transport belong
// to the sink.
type StatementSink interface {
	Deliver(ctx context.Context, payload StatementPayload, st cartera.Statement) error
}

type statementBuilder interface {
	Statement(ctx context.Context, side cartera.Side, partyID int64, r cartera.DateRange, opts cartera.StatementOptions) (cartera.Statement, error)
}

// StatementJob assembles statements from the ledger and hands them to a sink.
type StatementJob struct {
	Service statementBuilder
	Sink    StatementSink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStatementJob initialises the delivery handler. A nil sink logs the
// statement totals instead of sending anything.
func NewStatementJob(service statementBuilder, sink StatementSink, logger *slog.Logger, metrics *jobmetrics.Metrics) *StatementJob {
	job := &StatementJob{Service: service, Sink: sink, Logger: logger, Metrics: metrics}
	if job.Sink == nil {
		job.Sink = LogSink{Logger: job.logger()}
	}
	return job
}

// Handle executes one statement delivery.
func (j *StatementJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("statement deliver: handler not configured")
	}
	var payload StatementPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	from, _ := parsePayloadDate(payload.From)
	to, _ := parsePayloadDate(payload.To)

	tracker := j.metrics().Track(TaskStatementDeliver)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(
		slog.String("job_id", payload.JobID),
		slog.String("side", payload.Side),
		slog.Int64("party_id", payload.PartyID),
	)

	st, err := j.Service.Statement(ctx, cartera.Side(payload.Side), payload.PartyID,
		cartera.DateRange{From: from, To: to},
		cartera.StatementOptions{PendingOnly: payload.PendingOnly})
	if err != nil {
		if errors.Is(err, cartera.ErrValidation) || errors.Is(err, cartera.ErrNotFound) {
			logger.Warn("statement rejected", slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logger.Error("assemble statement", slog.Any("error", err))
		return err
	}
	if err := j.Sink.Deliver(ctx, payload, st); err != nil {
		logger.Error("deliver statement", slog.Any("error", err))
		return err
	}
	j.metrics().AddStatement(payload.Side)
	logger.Info("statement delivered", slog.Int("rows", len(st.Rows)))
	return nil
}

func (j *StatementJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStatementDeliver))
	}
	return slog.Default().With(slog.String("job", TaskStatementDeliver))
}

func (j *StatementJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// LogSink writes the statement headline figures to the log.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements StatementSink.
func (s LogSink) Deliver(_ context.Context, payload StatementPayload, st cartera.Statement) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("statement ready",
		slog.String("recipient", payload.Recipient),
		slog.Any("party_group", st.PartyGroup),
		slog.String("balance", st.Totals.Balance.StringFixed(2)),
		slog.String("available_prepayment", st.AvailablePrepayment.StringFixed(2)),
		slog.String("net_balance", st.NetBalance.StringFixed(2)),
		slog.String("ageing_total", st.Ageing.Total().StringFixed(2)),
	)
	return nil
}
