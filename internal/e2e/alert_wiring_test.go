package e2e

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	jobmetrics "github.com/veritas-grc/veritas/internal/jobs"
	"github.com/veritas-grc/veritas/internal/observability"
	"github.com/veritas-grc/veritas/jobs"
)

type promRule struct {
	Alert string `yaml:"alert"`
	Expr  string `yaml:"expr"`
}

type promGroup struct {
	Name  string     `yaml:"name"`
	Rules []promRule `yaml:"rules"`
}

type promRuleFile struct {
	Groups []promGroup `yaml:"groups"`
}

var metricNamePattern = regexp.MustCompile(`veritas_[a-z_]+`)

// Every metric an alert expression queries must exist in the exposition the
// process actually serves, otherwise the alert can never fire. Renaming a
// collector without touching the rules file fails here.
func TestAlertExpressionsMatchExportedMetrics(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "jobs.yml"))
	if err != nil {
		t.Fatalf("read alert rules: %v", err)
	}
	var file promRuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("unmarshal alert rules: %v", err)
	}

	wanted := map[string][]string{}
	for _, group := range file.Groups {
		for _, rule := range group.Rules {
			for _, name := range metricNamePattern.FindAllString(rule.Expr, -1) {
				wanted[name] = append(wanted[name], rule.Alert)
			}
		}
	}
	if len(wanted) == 0 {
		t.Fatal("no metric names found in alert expressions")
	}

	// Touch every collector family once so each series exists.
	metrics := observability.NewMetrics()
	wrapped := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("request through metrics middleware failed: %d", rec.Code)
	}

	jm := jobmetrics.NewMetrics(metrics.Registerer())
	if err := jm.Track(jobs.TaskRegistryWatchdog).End(errors.New("sweep failed")); err == nil {
		t.Fatal("expected tracker to propagate the error")
	}
	jm.AddViolations("rule-wiring", 1)

	exposition := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(exposition, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := exposition.Body.String()

	for name, alerts := range wanted {
		if !strings.Contains(body, name) {
			t.Fatalf("metric %s queried by %v is not exported", name, alerts)
		}
	}
}
