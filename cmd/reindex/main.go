// Command reindex resolves one seed to the entities that need reindexing
// and sends them to the search index.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(os.Stdout, os.Stderr, newPipeline)
	if err := execute(ctx, root, os.Stderr); err != nil {
		cancel()
		os.Exit(1)
	}
}
