package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTemplateValidate(t *testing.T) {
	ok := writeFile(t, "ok.html", "<p>{{websiteName}} changed on {{changeDate}}</p>")
	out, err := run(t, "template", "validate", ok)
	require.NoError(t, err)
	require.Contains(t, out, "template is valid")

	bad := writeFile(t, "bad.html", "<p>{{price}}</p>")
	_, err = run(t, "template", "validate", bad)
	require.ErrorContains(t, err, "unknown template variable: price")

	_, err = run(t, "template", "validate", filepath.Join(t.TempDir(), "nope.html"))
	require.ErrorContains(t, err, "read template")
}

func TestTemplateRender(t *testing.T) {
	tpl := writeFile(t, "tpl.html", "<h1>{{websiteName}}</h1><p>{{aiMeaningfulScore}}</p><script>alert(1)</script>")
	out, err := run(t, "template", "render", tpl)
	require.NoError(t, err)
	require.Contains(t, out, "<h1>Example pricing</h1>")
	require.Contains(t, out, "82")
	require.NotContains(t, out, "<script>")
}

func TestEnvFileFeedsConfig(t *testing.T) {
	env := writeFile(t, "test.env", "PAGEWATCH_EMAIL_DASHBOARD_URL=https://dash.example.com\n")
	t.Cleanup(func() { _ = os.Unsetenv("PAGEWATCH_EMAIL_DASHBOARD_URL") })
	tpl := writeFile(t, "tpl.html", `<a href="{{viewChangesUrl}}">view</a>`)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--env-file", env, "template", "render", tpl})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "https://dash.example.com/websites/sample")
}

func TestCheckUnknownTarget(t *testing.T) {
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger, app.WithRegisterer(prometheus.NewRegistry()), app.WithoutTelemetry())
	}

	_, err := run(t, "check", "--owner", "owner", "missing")
	require.ErrorContains(t, err, "not found")

	_, err = run(t, "check", "missing")
	require.ErrorContains(t, err, `required flag(s) "owner" not set`)
}
