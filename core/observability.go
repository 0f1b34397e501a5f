package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const metricPrefix = "grants."

// metricTagKeys are the only fields promoted to metric tags; everything else
// stays in the log line.
var metricTagKeys = []string{"task_kind", "benefit_kind", "outcome"}

func (e *Engine) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if e == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := time.Since(startedAt)

	logFields := cloneFields(fields)
	logFields["operation"] = operation
	logFields["status"] = status
	logFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		logFields["error"] = err.Error()
		if mapped := MapError(err); mapped != nil {
			logFields["error_code"] = mapped.TextCode
		}
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range metricTagKeys {
		if value := strings.TrimSpace(fmt.Sprint(logFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	e.recordCounter(ctx, metricPrefix+operation+".total", 1, tags)
	e.recordHistogram(ctx, metricPrefix+operation+".duration_ms", float64(elapsed.Milliseconds()), tags)

	if err != nil {
		e.logError(ctx, operation+" failed", logFields)
		return
	}
	e.logInfo(ctx, operation+" succeeded", logFields)
}

// observeTask records a task execution. Retries log at warn level since they
// are expected; fatal results log at error level.
func (e *Engine) observeTask(ctx context.Context, startedAt time.Time, task GrantTask, result TaskResult) {
	if e == nil {
		return
	}
	operation := "task." + normalizeOperation(string(task.Kind))
	elapsed := time.Since(startedAt)
	fields := taskFields(task)
	fields["operation"] = operation
	fields["outcome"] = string(result.Outcome)
	fields["duration_ms"] = elapsed.Milliseconds()
	if result.Skipped {
		fields["skipped"] = true
		fields["reason"] = result.Reason
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	if result.IsRetry() {
		fields["retry_in"] = result.Delay.String()
	}

	tags := map[string]string{
		"operation": operation,
		"task_kind": string(task.Kind),
		"outcome":   string(result.Outcome),
	}
	e.recordCounter(ctx, metricPrefix+"task.total", 1, tags)
	e.recordHistogram(ctx, metricPrefix+"task.duration_ms", float64(elapsed.Milliseconds()), tags)

	switch result.Outcome {
	case TaskOutcomeFatal:
		e.logError(ctx, operation+" failed", fields)
	case TaskOutcomeRetry:
		e.logWithLevel(ctx, "warn", operation+" will be retried", fields)
	default:
		e.logInfo(ctx, operation+" succeeded", fields)
	}
}

func taskFields(task GrantTask) map[string]any {
	fields := map[string]any{
		"task_id":   task.ID,
		"task_kind": string(task.Kind),
		"attempt":   task.Attempt,
	}
	if task.CustomerID != "" {
		fields["customer_id"] = task.CustomerID
	}
	if task.BenefitID != "" {
		fields["benefit_id"] = task.BenefitID
	}
	if task.GrantID != "" {
		fields["grant_id"] = task.GrantID
	}
	if task.Scope.ID != "" {
		fields["scope"] = task.Scope.String()
	}
	return fields
}

func (e *Engine) logInfo(ctx context.Context, message string, fields map[string]any) {
	e.logWithLevel(ctx, "info", message, fields)
}

func (e *Engine) logError(ctx context.Context, message string, fields map[string]any) {
	e.logWithLevel(ctx, "error", message, fields)
}

func (e *Engine) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	logger := e.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (e *Engine) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if e == nil || e.metricsRecorder == nil {
		return
	}
	e.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (e *Engine) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if e == nil || e.metricsRecorder == nil {
		return
	}
	e.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	return copyAnyMap(fields)
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
