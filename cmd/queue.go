package cmd

import (
	"fmt"
	"strconv"

	"github.com/mercatus/mercsync/internal/store"
	"github.com/spf13/cobra"
)

var queueAbandoned bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the pending-mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(getBaseDir())
		if err != nil {
			return err
		}
		defer st.Close()

		var muts []store.Mutation
		if queueAbandoned {
			muts, err = st.ListAbandoned()
		} else {
			muts, err = st.ListPending()
		}
		if err != nil {
			return err
		}
		if len(muts) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		for _, m := range muts {
			line := fmt.Sprintf("#%d  %-6s %-18s %s  (queued %s, retries %d)",
				m.Seq, m.Action, m.Collection, m.Endpoint,
				m.EnqueuedAt.Local().Format("2006-01-02 15:04"), m.RetryCount)
			if m.LastError != "" {
				line += "\n      last error: " + m.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <seq>",
	Short: "Return a dead-lettered mutation to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence id %q", args[0])
		}
		st, err := store.Open(getBaseDir())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Requeue(seq); err != nil {
			return err
		}
		fmt.Printf("Mutation #%d returned to the queue\n", seq)
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <seq>",
	Short: "Discard a queued or dead-lettered mutation permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence id %q", args[0])
		}
		st, err := store.Open(getBaseDir())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RemoveFromQueue(seq); err != nil {
			return err
		}
		fmt.Printf("Mutation #%d dropped\n", seq)
		return nil
	},
}

func init() {
	queueListCmd.Flags().BoolVar(&queueAbandoned, "abandoned", false, "list dead-lettered mutations instead")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDropCmd)
	rootCmd.AddCommand(queueCmd)
}
