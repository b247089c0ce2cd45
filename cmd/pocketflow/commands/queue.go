package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/logger"
)

// QueueCmd inspects the broker
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the broker queues",
	Long: `Inspect the broker: waiting envelopes, tasks held by workers, and
the dead-letter queue.

The broker store is exclusive to one process; stop the controller before
inspecting it.

Examples:
  pocketflow queue ls
  pocketflow queue processing
  pocketflow queue dead`,
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List envelopes waiting in the main queue",
	RunE:  runQueueLs,
}

var queueProcessingCmd = &cobra.Command{
	Use:   "processing",
	Short: "List tasks currently held by workers",
	RunE:  runQueueProcessing,
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered envelopes",
	RunE:  runQueueDead,
}

func init() {
	QueueCmd.AddCommand(queueLsCmd)
	QueueCmd.AddCommand(queueProcessingCmd)
	QueueCmd.AddCommand(queueDeadCmd)
}

func openBroker() (*broker.BadgerBroker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	return broker.OpenBadger(cfg.Broker.Path, logger.Logger)
}

func runQueueLs(cmd *cobra.Command, args []string) error {
	br, err := openBroker()
	if err != nil {
		return err
	}
	defer br.Close()

	envs, err := br.ListMain(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Main queue: %d envelope(s)\n", len(envs))
	for i, env := range envs {
		fmt.Printf("%3d. task %d (job %d) %s %s %s\n",
			i+1, env.TaskID, env.JobID, env.Symbol, env.Timeframe, env.EAName)
	}
	return nil
}

func runQueueProcessing(cmd *cobra.Command, args []string) error {
	br, err := openBroker()
	if err != nil {
		return err
	}
	defer br.Close()

	envs, err := br.ListProcessing(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Processing: %d task(s)\n", len(envs))
	for _, env := range envs {
		fmt.Printf("  task %d (job %d) %s %s %s\n",
			env.TaskID, env.JobID, env.Symbol, env.Timeframe, env.EAName)
	}
	return nil
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	br, err := openBroker()
	if err != nil {
		return err
	}
	defer br.Close()

	letters, err := br.ListDeadLetters(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Dead letters: %d\n", len(letters))
	for _, dl := range letters {
		fmt.Printf("  task %d (job %d) parked %s: %s\n",
			dl.Envelope.TaskID, dl.Envelope.JobID,
			dl.ParkedAt.Format("2006-01-02 15:04:05"), dl.Reason)
	}
	return nil
}
