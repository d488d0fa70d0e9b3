package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"flashtransfer/models"
	"flashtransfer/network"
)

const statsSubmitTimeout = 10 * time.Second

var errConnectionEnded = errors.New("connection ended before the transfer finished")

// runWithView runs work in the background while view renders. Quitting the
// view cancels work and waits for it.
func runWithView(ctx context.Context, view reporter, work func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workDone := make(chan struct{})
	go func() {
		defer close(workDone)
		view.Done(work(ctx))
	}()

	err := view.Run()
	cancel()
	<-workDone
	return err
}

// quietInterrupt treats a user quit or signal as a normal exit.
func quietInterrupt(ctx context.Context, err error) error {
	if errors.Is(err, errInterrupted) || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// forwardErrors shows asynchronous manager errors until ctx is done.
func forwardErrors(ctx context.Context, mgr *network.Manager, view reporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-mgr.Errors():
			view.Status("error: %v", err)
		}
	}
}

// waitConnected blocks until the manager is connected. Reaching
// disconnected first is reported as errConnectionEnded.
func waitConnected(ctx context.Context, mgr *network.Manager, tracker *fileTracker) error {
	err := tracker.waitFor(ctx, func(t *fileTracker) bool {
		return t.state == network.StateConnected || t.state == network.StateDisconnected
	})
	if err != nil {
		return err
	}
	if mgr.State() != network.StateConnected || mgr.Session() == nil {
		return errConnectionEnded
	}
	return nil
}

// finishSession reports stats and tells the peer the session is over.
func finishSession(env *clientEnv, mgr *network.Manager, session *network.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), statsSubmitTimeout)
	defer cancel()
	env.submitStats(ctx, session)
	mgr.Disconnect()
}

// outgoingFiles validates that every path is a readable regular file.
func outgoingFiles(paths []string) ([]network.OutgoingFile, error) {
	files := make([]network.OutgoingFile, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s is not a regular file", models.ErrInvalidInput, path)
		}
		files = append(files, network.OutgoingFile{Path: path, Name: filepath.Base(path)})
	}
	return files, nil
}
