package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/logger"
	"github.com/philiplau114/PocketFlowProject/notify"
)

// NotifyCmd exercises the notification channels
var NotifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a test notification through the configured channels",
	Long: `Send a test notification through every configured channel (log,
email, Telegram) to verify credentials before relying on watchdog alerts.

Examples:
  pocketflow notify
  pocketflow notify --subject "deploy check"`,
	RunE: runNotify,
}

var notifySubjectFlag string

func init() {
	NotifyCmd.Flags().StringVar(&notifySubjectFlag, "subject", "PocketFlow test notification", "Subject of the test message")
}

func runNotify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	channels := []notify.Notifier{notify.NewLogNotifier(logger.Logger)}
	enabled := []string{"log"}
	if smtp := notify.NewSMTPNotifier(cfg.Notify.SMTP); smtp.Enabled() {
		channels = append(channels, smtp)
		enabled = append(enabled, "smtp")
	}
	if tg := notify.NewTelegramNotifier(cfg.Notify.Telegram); tg.Enabled() {
		channels = append(channels, tg)
		enabled = append(enabled, "telegram")
	}

	multi := notify.NewMulti(logger.Logger, channels...)
	if err := multi.Notify(cmd.Context(), notifySubjectFlag,
		"This is a test notification from the pocketflow CLI."); err != nil {
		return err
	}

	fmt.Printf("Test notification sent via: %v\n", enabled)
	return nil
}
