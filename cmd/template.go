package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagewatch/internal/emailtmpl"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Validates and previews custom email templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Reports placeholders outside the supported set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if err := emailtmpl.ValidateTemplate(tpl); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "template is valid")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "render FILE",
		Short: "Renders the template against a sample change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			vars := emailtmpl.NewVars(samplePayload(time.Now()), "Pricing", rt.cfg.Email.DashboardURL)
			fmt.Fprintln(cmd.OutOrStdout(), emailtmpl.Render(tpl, vars))
			return nil
		},
	})
	return cmd
}

func readTemplate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	return string(data), nil
}

func samplePayload(now time.Time) monitor.WebhookPayload {
	return monitor.WebhookPayload{
		Event:   monitor.EventWebsiteChanged,
		Website: monitor.WebhookWebsite{ID: "sample", Name: "Example pricing", URL: "https://example.com/pricing"},
		Change: monitor.WebhookChange{
			DetectedAt: now,
			ChangeType: monitor.StatusChanged,
			Status:     monitor.StatusChanged,
			Summary:    "Pro plan price changed from $10 to $12",
		},
		AIAnalysis: &monitor.WebhookAIAnalysis{
			Score:        82,
			IsMeaningful: true,
			Reasoning:    "A listed price changed.",
			Model:        "sample",
			AnalyzedAt:   now,
		},
	}
}
