package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flashtransfer/models"
	"flashtransfer/network"
)

var shareCmd = &cobra.Command{
	Use:   "share <file>...",
	Short: "Create a share code and send files to the device that joins",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runShare,
}

func init() {
	rootCmd.AddCommand(shareCmd)
	shareCmd.Flags().Bool("offer", false, "offer the files for the peer to pick instead of sending them all")
	shareCmd.Flags().Bool("resume", false, "reuse the last hosted session when it is still valid")
	shareCmd.Flags().Bool("stay", false, "keep the session open after sending until the peer leaves")
}

type shareOptions struct {
	offer  bool
	resume bool
	stay   bool
}

func runShare(cmd *cobra.Command, args []string) error {
	var opts shareOptions
	opts.offer, _ = cmd.Flags().GetBool("offer")
	opts.resume, _ = cmd.Flags().GetBool("resume")
	opts.stay, _ = cmd.Flags().GetBool("stay")

	files, err := outgoingFiles(args)
	if err != nil {
		return err
	}

	env, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := newFileTracker()
	view := newReporter(cmd.OutOrStdout())
	mgr, err := env.newManager(tracker, view)
	if err != nil {
		return err
	}
	defer mgr.Stop()

	err = runWithView(ctx, view, func(ctx context.Context) error {
		go forwardErrors(ctx, mgr, view)
		return shareFiles(ctx, env, mgr, tracker, view, files, opts)
	})
	return quietInterrupt(ctx, err)
}

func shareFiles(ctx context.Context, env *clientEnv, mgr *network.Manager, tracker *fileTracker, view reporter, files []network.OutgoingFile, opts shareOptions) error {
	code, err := startHosting(ctx, mgr, opts.resume)
	if err != nil {
		return err
	}
	view.Status("share code: %s", code)

	if err := waitConnected(ctx, mgr, tracker); err != nil {
		return err
	}
	session := mgr.Session()
	defer finishSession(env, mgr, session)

	if opts.offer {
		if err := session.OfferFiles(files...); err != nil {
			return err
		}
		view.Status("offered %d files, waiting for the peer to leave", len(files))
		return tracker.waitFor(ctx, func(t *fileTracker) bool { return t.left })
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		msg, err := session.SendFile(file)
		if err != nil {
			return fmt.Errorf("send %s: %w", file.Name, err)
		}
		ids = append(ids, msg.ID)
	}

	results, err := tracker.waitTerminal(ctx, ids)
	if err != nil {
		return err
	}
	failed := 0
	for _, msg := range results {
		if msg.FileStatus == models.FileStatusError {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to send", failed, len(results))
	}
	view.Status("sent %d files", len(results))

	if opts.stay {
		return tracker.waitFor(ctx, func(t *fileTracker) bool { return t.left })
	}
	return nil
}

// startHosting resumes the saved hosted session when asked to and one
// exists, otherwise creates a new one. It returns the display code.
func startHosting(ctx context.Context, mgr *network.Manager, resume bool) (string, error) {
	if resume {
		outcome, err := mgr.Resume(ctx)
		if err != nil {
			return "", err
		}
		if outcome.Resumed {
			return outcome.Code, nil
		}
	}
	return mgr.CreateConnection(ctx)
}
