package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/branchmonkey/bridge/internal/output"
	"github.com/branchmonkey/bridge/internal/relay"
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link this machine to the cloud",
	Long: `Link this machine to the cloud via the device authorization flow.
A browser code is displayed; once approved, the access token is cached so
'bridge serve' connects the relay automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return linkRun(cmd)
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Remove this machine's cloud credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dryRun {
			ui.DryRunMsg("Would remove cached token at %s", tokenFilePath())
			return nil
		}
		if err := relay.NewTokenStore(tokenFilePath()).Clear(); err != nil {
			return err
		}
		ui.Success("Machine unlinked")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
}

func linkRun(cmd *cobra.Command) error {
	cloudURL := viper.GetString("cloud.url")
	tokens := relay.NewTokenStore(tokenFilePath())

	if tok, err := tokens.Load(cloudURL); err == nil && tok != nil {
		ui.Info("Machine already linked to %s", output.Cyan(cloudURL))
		ui.Info("Run 'bridge unlink' first to relink")
		return nil
	}

	machineName, err := os.Hostname()
	if err != nil {
		machineName = "unknown"
	}

	if dryRun {
		ui.DryRunMsg("Would link machine %q to %s", machineName, cloudURL)
		return nil
	}

	auth := relay.NewDeviceAuth(cloudURL)
	auth.Prompt = func(userCode, verificationURI string) {
		fmt.Fprintln(ui.Out)
		ui.Info("To link this machine, visit:")
		fmt.Fprintf(ui.Out, "\n    %s\n\n", output.Cyan(verificationURI))
		ui.Info("and enter code: %s", output.Green(userCode))
		fmt.Fprintln(ui.Out)
	}

	ui.Info("Requesting device authorization from %s ...", cloudURL)
	tok, err := auth.Authorize(cmd.Context(), machineName)
	if err != nil {
		return fmt.Errorf("link machine: %w", err)
	}

	tok.MachineName = machineName
	if err := tokens.Save(tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	ui.Success("Machine linked to %s", cloudURL)
	ui.Info("Start the node with 'bridge serve' to bring the relay online")
	return nil
}
