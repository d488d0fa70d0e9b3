package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flashtransfer/models"
	"flashtransfer/network"
	"flashtransfer/storage"
)

var errNoCode = errors.New("a share code is required (no recent session to rejoin)")

var joinCmd = &cobra.Command{
	Use:   "join [code]",
	Short: "Join a share code and receive files",
	Long:  "Join a share code and receive files. Without a code the last joined session is rejoined.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().StringSlice("pull", nil, "names of offered files to request, in order")
	joinCmd.Flags().Int("count", 0, "leave after receiving this many files (0 waits for the peer to leave)")
}

type joinOptions struct {
	pull  []string
	count int
}

func runJoin(cmd *cobra.Command, args []string) error {
	var opts joinOptions
	opts.pull, _ = cmd.Flags().GetStringSlice("pull")
	opts.count, _ = cmd.Flags().GetInt("count")

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

	code := ""
	if len(args) == 1 {
		code = args[0]
	} else if code, err = lastJoinedCode(env.store); err != nil {
		return err
	}

	err = runWithView(ctx, view, func(ctx context.Context) error {
		go forwardErrors(ctx, mgr, view)
		return receiveFiles(ctx, env, mgr, tracker, view, code, opts)
	})
	return quietInterrupt(ctx, err)
}

// lastJoinedCode returns the code of a still-valid joiner session pointer.
func lastJoinedCode(store *storage.Store) (string, error) {
	ptr, err := store.LoadSessionPointer(time.Now(), storage.DefaultPointerMaxAge)
	if errors.Is(err, storage.ErrNotFound) {
		return "", errNoCode
	}
	if err != nil {
		return "", err
	}
	if ptr.Role != models.RoleJoiner || ptr.Code == "" {
		return "", errNoCode
	}
	return ptr.Code, nil
}

func receiveFiles(ctx context.Context, env *clientEnv, mgr *network.Manager, tracker *fileTracker, view reporter, code string, opts joinOptions) error {
	view.Status("joining %s", code)
	if err := mgr.JoinConnection(ctx, code); err != nil {
		return err
	}
	if err := waitConnected(ctx, mgr, tracker); err != nil {
		return err
	}
	session := mgr.Session()
	defer finishSession(env, mgr, session)

	if len(opts.pull) > 0 {
		if err := tracker.waitFor(ctx, func(t *fileTracker) bool { return len(t.files) > 0 || t.left }); err != nil {
			return err
		}
		for _, name := range opts.pull {
			if err := session.RequestFile(name); err != nil {
				return err
			}
		}
	}

	want := opts.count
	if want == 0 && len(opts.pull) > 0 {
		want = len(opts.pull)
	}
	err := tracker.waitFor(ctx, func(t *fileTracker) bool {
		if t.left || t.state == network.StateDisconnected {
			return true
		}
		return want > 0 && t.receivedLocked() >= want
	})
	if err != nil {
		return err
	}

	for _, msg := range session.Messages() {
		if msg.Kind == models.MessageKindFile && msg.FileStatus == models.FileStatusReceived {
			view.Status("saved %s", msg.LocalPath)
		}
	}
	if want > 0 && tracker.receivedCount() < want {
		return errConnectionEnded
	}
	return nil
}
