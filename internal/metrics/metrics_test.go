package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		429: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", Handler())

	// Generate a request, then confirm the counter shows up in the scrape.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ping = %d", w.Code)
	}

	scrape := httptest.NewRecorder()
	router.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if scrape.Code != http.StatusOK {
		t.Fatalf("metrics = %d", scrape.Code)
	}
	if !strings.Contains(scrape.Body.String(), "fraudguard_http_requests_total") {
		t.Error("scrape missing fraudguard_http_requests_total")
	}
}

func TestEvaluationCountersRegistered(t *testing.T) {
	EvaluationsTotal.WithLabelValues("scored").Inc()
	RuleFiredTotal.WithLabelValues("amount_spike").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	for _, name := range []string{
		"fraudguard_evaluations_total",
		"fraudguard_rule_fired_total",
		"fraudguard_evaluation_score",
	} {
		if _, ok := byName[name]; !ok {
			t.Errorf("metric %s not registered", name)
		}
	}

	evals := byName["fraudguard_evaluations_total"]
	found := false
	for _, m := range evals.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == "scored" {
				found = true
			}
		}
	}
	if !found {
		t.Error("evaluations_total missing outcome=scored series")
	}
}
