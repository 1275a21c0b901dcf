package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "check TARGET_ID",
		Short: "Checks one stored target immediately and prints the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("init application: %w", err)
			}
			defer func() {
				if cerr := a.Close(cmd.Context()); cerr != nil {
					rt.logger.Warn("application shutdown error", zap.Error(cerr))
				}
			}()

			res, checkErr := a.Checker.CheckNow(cmd.Context(), owner, args[0])
			out := map[string]any{}
			if res.Record != nil {
				out["record"] = res.Record
			}
			if res.Session != nil {
				out["session"] = res.Session
			}
			if len(out) > 0 {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
			}
			if checkErr != nil {
				return fmt.Errorf("check %s: %w", args[0], checkErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id of the target")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
