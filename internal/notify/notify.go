// Package notify implements the Notification sink external interface from
// spec §6: notifyResults on a batch of completed executions, notifyCritical
// on a non-retryable failure worth paging someone over.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/resend/resend-go/v2"
)

// ScheduledResult pairs one unit's outcome with the scheduling metadata
// spec §4.8 step 5 attaches when a group expands to one row per member.
type ScheduledResult struct {
	TaskID        string
	TaskName      string
	Result        *domain.Result
	IsGroupMember bool
	GroupName     string
}

// Sink is the abstract notification contract. Both methods are
// fire-and-forget from the caller's perspective: a Sink failure is logged,
// never propagated back into the scheduler's own result.
type Sink interface {
	// NotifyResults reports one trigger's outcome. origin is the
	// scheduled hour ("HH:MM"), "manual", or "batch" per spec §6.
	NotifyResults(ctx context.Context, results []ScheduledResult, origin string, errorContext string) error
	NotifyCritical(ctx context.Context, errorMessage string, origin string, extraContext string) error
}

// LogSink logs instead of sending — used when Env=local.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) NotifyResults(_ context.Context, results []ScheduledResult, origin string, errorContext string) error {
	for _, r := range results {
		s.logger.Info("transfer result (local dev)",
			"task", r.TaskName,
			"origin", origin,
			"group_member", r.IsGroupMember,
			"group", r.GroupName,
			"success", r.Result.Success,
			"rows", r.Result.Rows,
			"inserted", r.Result.Inserted,
			"duplicates", r.Result.Duplicates,
			"errors", r.Result.Errors,
		)
	}
	if errorContext != "" {
		s.logger.Warn("transfer batch error context (local dev)", "origin", origin, "detail", errorContext)
	}
	return nil
}

func (s *LogSink) NotifyCritical(_ context.Context, errorMessage string, origin string, extraContext string) error {
	s.logger.Error("critical transfer failure (local dev)", "origin", origin, "error", errorMessage, "detail", extraContext)
	return nil
}

// ResendSink sends via the Resend API — used in staging/production.
type ResendSink struct {
	client *resend.Client
	from   string
	to     []string
	logger *slog.Logger
}

func NewResendSink(apiKey, from string, to []string, logger *slog.Logger) *ResendSink {
	return &ResendSink{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
		logger: logger,
	}
}

func (s *ResendSink) NotifyResults(ctx context.Context, results []ScheduledResult, origin string, errorContext string) error {
	subject := fmt.Sprintf("Transfer run completed: %s (%d tasks)", origin, len(results))

	var rows strings.Builder
	for _, r := range results {
		rows.WriteString(fmt.Sprintf(
			"<tr><td>%s</td><td>%t</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%t</td></tr>",
			r.TaskName, r.Result.Success, r.Result.Rows, r.Result.Inserted, r.Result.Duplicates, r.Result.Errors, r.IsGroupMember,
		))
	}
	body := fmt.Sprintf(
		"<p>Transfer run at <b>%s</b> finished.</p>"+
			"<table border=\"1\" cellpadding=\"4\"><tr><th>Task</th><th>Success</th><th>Rows</th><th>Inserted</th><th>Duplicates</th><th>Errors</th><th>Group member</th></tr>%s</table>",
		origin, rows.String(),
	)
	if errorContext != "" {
		body += fmt.Sprintf("<p><b>Error context:</b> %s</p>", errorContext)
	}
	return s.send(ctx, subject, body)
}

func (s *ResendSink) NotifyCritical(ctx context.Context, errorMessage string, origin string, extraContext string) error {
	subject := fmt.Sprintf("CRITICAL: transfer run failed: %s", origin)
	body := fmt.Sprintf("<p>Run at <b>%s</b> failed critically:</p><pre>%s</pre><p>%s</p>", origin, errorMessage, extraContext)
	return s.send(ctx, subject, body)
}

func (s *ResendSink) send(ctx context.Context, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      s.to,
		Subject: subject,
		Html:    body,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// New returns a LogSink for env=="local", a ResendSink otherwise.
func New(env, apiKey, from string, to []string, logger *slog.Logger) Sink {
	if env == "local" {
		return NewLogSink(logger)
	}
	return NewResendSink(apiKey, from, to, logger)
}
