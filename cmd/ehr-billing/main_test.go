package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr-billing/internal/config"
	"github.com/mentalspace/ehr-billing/internal/platform/auth"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "tenant": false, "sweep": false, "rules": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestSweepCmd_Defaults(t *testing.T) {
	cmd := sweepCmd()
	createHolds, err := cmd.Flags().GetBool("create-holds")
	if err != nil {
		t.Fatalf("create-holds flag: %v", err)
	}
	if !createHolds {
		t.Error("expected sweep to persist holds by default")
	}
	resume, _ := cmd.Flags().GetBool("resume")
	if resume {
		t.Error("expected resume to default to false")
	}
}

func TestParseImportFile_Array(t *testing.T) {
	body := `[
		{"payer_id": "5f0c6d8e-1f7a-4c1b-9f55-0d9f1c1b2a10", "clinician_credential": "LCSW", "service_type": "PSYCHOTHERAPY", "place_of_service": "OFFICE", "effective_date": "2026-01-01"},
		{"payer_id": "5f0c6d8e-1f7a-4c1b-9f55-0d9f1c1b2a10", "clinician_credential": "LCSW_INTERN", "service_type": "PSYCHOTHERAPY", "place_of_service": "TELEHEALTH", "cosign_required": true, "cosign_timeframe_days": 7, "effective_date": "2026-01-01"}
	]`
	rows, err := parseImportFile(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[1].CosignRequired || rows[1].CosignTimeframeDays == nil || *rows[1].CosignTimeframeDays != 7 {
		t.Errorf("second row cosign fields not decoded: %+v", rows[1])
	}
}

func TestParseImportFile_Wrapped(t *testing.T) {
	body := `  {"rows": [{"payer_id": "5f0c6d8e-1f7a-4c1b-9f55-0d9f1c1b2a10", "clinician_credential": "LCSW", "service_type": "EVALUATION", "place_of_service": "OFFICE", "effective_date": "2026-01-01"}]}`
	rows, err := parseImportFile(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].ServiceType != "EVALUATION" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestParseImportFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", "   "},
		{"malformed", `[{"payer_id": }]`},
		{"empty array", `[]`},
		{"no rows key", `{"rules": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseImportFile(strings.NewReader(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"processed": 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"processed": 3`) {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestAuthMiddleware_Mode(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.Config
		wantCode int
		wantUser string
	}{
		{"development", &config.Config{Env: "development"}, http.StatusOK, "dev-user"},
		{"jwt requires token", &config.Config{Env: "production", AuthSigningKey: "secret"}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			var gotUser string
			e.GET("/", func(c echo.Context) error {
				gotUser = auth.UserIDFromContext(c.Request().Context())
				return c.NoContent(http.StatusOK)
			}, authMiddleware(tt.cfg))

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if gotUser != tt.wantUser {
				t.Errorf("expected user %q, got %q", tt.wantUser, gotUser)
			}
		})
	}
}

func TestNewLogger_ErrorsEnabled(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		logger := newLogger(env)
		if !logger.Error().Enabled() {
			t.Errorf("%s: error events disabled", env)
		}
	}
}
