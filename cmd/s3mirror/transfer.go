package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/s3mirror/s3mirror/internal/config"
	"github.com/s3mirror/s3mirror/internal/transfer"
)

var pushCmd = &cobra.Command{
	Use:     "push <local> [key]",
	GroupID: "objects",
	Short:   "Upload one file and verify it",
	Long: `Upload a single file to the bucket.

The key defaults to the path of the file relative to folder.path. The
upload is skipped when the remote object already carries the same size
and modification time, unless --force is given.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		cfg, logger := setup()
		ctx := context.Background()

		local, key, err := pushTarget(cfg.Folder.Path, args)
		if err != nil {
			fatalf("%v", err)
		}

		exec := transfer.New(openStore(ctx, cfg, logger), executorConfig(cfg, logger))
		res, err := exec.Push(ctx, local, key, !force)
		if err != nil {
			fatalf("%v", err)
		}
		report("push", key, res)
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull <key> [local]",
	GroupID: "objects",
	Short:   "Download one object and verify it",
	Long: `Download a single object from the bucket.

The destination defaults to the key resolved under folder.path. The
local file takes the size and modification time recorded on the object.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		cfg, logger := setup()
		ctx := context.Background()

		key, local, err := pullTarget(cfg.Folder.Path, args)
		if err != nil {
			fatalf("%v", err)
		}

		exec := transfer.New(openStore(ctx, cfg, logger), executorConfig(cfg, logger))
		res, err := exec.Pull(ctx, key, local, !force)
		if err != nil {
			fatalf("%v", err)
		}
		report("pull", key, res)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <key>...",
	GroupID: "objects",
	Short:   "Delete objects from the bucket",
	Long: `Delete one or more objects. Keys that do not exist are not an error.
Deletions run concurrently, bounded by transfer.workers.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := setup()
		ctx := context.Background()

		exec := transfer.New(openStore(ctx, cfg, logger), executorConfig(cfg, logger))
		if failed := removeAll(ctx, exec, args, os.Stdout, os.Stderr); failed > 0 {
			os.Exit(1)
		}
	},
}

// pushTarget resolves the arguments of push. Without an explicit key the
// key is the file's path relative to root; both are made absolute first.
func pushTarget(root string, args []string) (local, key string, err error) {
	local, err = filepath.Abs(args[0])
	if err != nil {
		return "", "", err
	}
	if len(args) == 2 {
		return local, args[1], nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", "", err
	}
	key, err = transfer.KeyFor(absRoot, local)
	if err != nil {
		return "", "", fmt.Errorf("%w (pass the key explicitly)", err)
	}
	return local, key, nil
}

// pullTarget resolves the arguments of pull. Without an explicit
// destination the key is resolved under root.
func pullTarget(root string, args []string) (key, local string, err error) {
	key = args[0]
	if len(args) == 2 {
		return key, args[1], nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", "", err
	}
	local, err = transfer.PathFor(absRoot, key)
	if err != nil {
		return "", "", err
	}
	return key, local, nil
}

// removeAll deletes keys concurrently and returns the number of failures.
func removeAll(ctx context.Context, exec *transfer.Executor, keys []string, out, errOut io.Writer) int {
	futures := make([]*transfer.Future[struct{}], len(keys))
	for i, key := range keys {
		futures[i] = exec.RemoveAsync(ctx, key)
	}

	failed := 0
	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintf(out, "removed %s\n", keys[i])
	}
	return failed
}

func executorConfig(cfg config.Config, logger logrus.FieldLogger) transfer.Config {
	return transfer.Config{
		ACL:     cfg.Bucket.ObjectMode,
		Timeout: cfg.Transfer.Timeout,
		Workers: cfg.Transfer.Workers,
		Logger:  logger,
	}
}

func report(op, key string, res transfer.Result) {
	if !res.Transferred {
		fmt.Printf("%s %s: unchanged, skipped\n", op, key)
		return
	}
	fmt.Printf("%s %s: %s in %v (%s)\n", op, key, humanize.Bytes(uint64(res.Bytes)),
		res.Duration.Round(time.Millisecond), res.Fingerprint)
}

func init() {
	pushCmd.Flags().BoolP("force", "f", false, "Transfer even when both sides match")
	pullCmd.Flags().BoolP("force", "f", false, "Transfer even when both sides match")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(rmCmd)
}
