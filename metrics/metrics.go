package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "test262"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	syncCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "sync_commands_total",
		Help:      "Count of git and npm commands run while synchronizing repositories",
	}, []string{
		"repo",
		"command",
		"result",
	})

	selectionSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "selection_size",
		Help:      "Number of test paths selected for the last run",
	}, []string{
		"run_id",
		"mode",
	})

	stagedFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "staged_files_total",
		Help:      "Count of selected files by staging outcome",
	}, []string{
		"run_id",
		"mode",
		"result",
	})

	stagingDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "staging_duration_seconds",
		Help:      "Wall-clock duration of the staging step",
	}, []string{
		"run_id",
		"mode",
	})

	runnerExitCode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_exit_code",
		Help:      "Exit status of the external test harness, 2 when it timed out or could not start",
	}, []string{
		"run_id",
		"mode",
	})

	runnerDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_duration_seconds",
		Help:      "Duration of the external test harness",
	}, []string{
		"run_id",
		"mode",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordSyncCommand(repo string, command string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	syncCommandsTotal.WithLabelValues(repo, command, result).Inc()
}

func RecordSelection(runID string, mode string, size int) {
	selectionSize.WithLabelValues(runID, mode).Set(float64(size))
}

func RecordStaging(runID string, mode string, copied, skipped, failed int, duration time.Duration) {
	if Debug {
		log.Debug("metric inc",
			"m", "staged_files_total",
			"run_id", runID,
			"mode", mode,
			"copied", copied,
			"skipped", skipped,
			"failed", failed)
	}
	stagedFilesTotal.WithLabelValues(runID, mode, "copied").Add(float64(copied))
	stagedFilesTotal.WithLabelValues(runID, mode, "skipped").Add(float64(skipped))
	stagedFilesTotal.WithLabelValues(runID, mode, "failed").Add(float64(failed))
	stagingDuration.WithLabelValues(runID, mode).Set(duration.Seconds())
}

func RecordRunner(runID string, mode string, exitCode int, duration time.Duration) {
	runnerExitCode.WithLabelValues(runID, mode).Set(float64(exitCode))
	runnerDuration.WithLabelValues(runID, mode).Set(duration.Seconds())
}
