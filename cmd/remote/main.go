package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-cli/remote/internal/config"
	"github.com/remote-cli/remote/internal/endpoint"
	"github.com/remote-cli/remote/internal/history"
	"github.com/remote-cli/remote/internal/progress"
	"github.com/remote-cli/remote/internal/transfer"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo,revive // cognitive-complexity: main CLI entry point orchestrates flag parsing and wiring
func run() int {
	var (
		sshPort      int
		preserve     bool
		verbose      bool
		quiet        bool
		compress     bool
		limitRateStr string
		recursive    bool
		resume       bool
		noResume     bool
		force        bool
		parallel     int
		aria2        bool
		split        int
		chunkStr     string
		timeoutSec   int
		maxRetries   int
		showVersion  bool
	)

	rootCmd := &cobra.Command{
		Use:           "remote",
		Short:         "SSH remote management with fast resumable file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "remote %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	transferCmd := &cobra.Command{
		Use:   "transfer <src> <dst>",
		Short: "Transfer a file between local and remote hosts (scp-compatible syntax)",
		Long: `Transfer a single file between the local filesystem and a remote host
over SSH, with chunk-level parallelism, resume, and integrity checks.

Examples:
  remote transfer ./file.txt user@host:/tmp/
  remote transfer user@host:~/data.zip .
  remote transfer --aria2 big.iso host:big.iso
  remote transfer --no-resume --force host:file.txt .`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive {
				fmt.Fprintln(os.Stderr, "Error: recursive transfer (-r) is not supported")
				return &exitError{code: transfer.ExitUsage}
			}

			setupLogging(verbose, quiet)

			cfg := transfer.DefaultConfig()
			cfg.Force = force
			cfg.Resume = resume && !noResume && !force
			cfg.Parallel = parallel
			cfg.Aria2 = aria2
			cfg.Split = split
			cfg.SplitSet = cmd.Flags().Changed("split")
			cfg.PreservePermissions = preserve
			cfg.Compress = compress
			cfg.SSHPort = sshPort
			cfg.Timeout = time.Duration(timeoutSec) * time.Second
			cfg.MaxRetries = maxRetries
			cfg.Verbose = verbose
			cfg.Quiet = quiet

			// Config-file defaults apply only to flags left untouched.
			fileCfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config file", "error", err)
			}
			applyConfigDefaults(cmd, fileCfg.Transfer, &cfg, &limitRateStr)

			if aria2 && !cmd.Flags().Changed("parallel") {
				cfg.Parallel = transfer.Aria2MaxParallel
			}

			if chunkStr != "" {
				n, err := transfer.ParseSize(chunkStr)
				if err != nil || n <= 0 {
					fmt.Fprintf(os.Stderr, "Error: invalid chunk size: %s\n", chunkStr)
					return &exitError{code: transfer.ExitUsage}
				}
				cfg.ChunkSize = n
				cfg.ChunkSizeSet = true
			}
			if limitRateStr != "" {
				n, err := transfer.ParseSize(limitRateStr)
				if err != nil || n <= 0 {
					fmt.Fprintf(os.Stderr, "Error: invalid rate limit: %s\n", limitRateStr)
					return &exitError{code: transfer.ExitUsage}
				}
				cfg.LimitRate = n
			}

			if compress {
				slog.Debug("compression requested but not implemented; continuing without")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := transfer.NewStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return &exitError{code: transfer.ExitFailure}
			}

			sink := selectSink(args[1], quiet, verbose)
			svc := transfer.NewService(store, sink, slog.Default())

			result, err := svc.Transfer(ctx, args[0], args[1], cfg)
			if err != nil {
				return mapError(err)
			}

			recordHistory(store.Dir(), args[0], args[1], result)

			if !quiet {
				fmt.Fprintf(os.Stderr, "%s transferred in %s (%d chunks, sha256 %s)\n",
					progress.FormatBytes(result.TotalBytes),
					result.Elapsed.Round(time.Millisecond),
					result.Chunks,
					result.FileHash[:16])
			}
			return nil
		},
	}

	flags := transferCmd.Flags()
	flags.IntVarP(&sshPort, "port", "P", 22, "SSH port")
	flags.BoolVarP(&preserve, "preserve", "p", false, "preserve file mode bits")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	flags.BoolVarP(&compress, "compress", "C", false, "enable compression (accepted, currently a no-op)")
	flags.StringVarP(&limitRateStr, "limit-rate", "l", "", "limit transfer rate (e.g. 1M, 100K)")
	flags.BoolVarP(&recursive, "recursive", "r", false, "recursive transfer (not supported)")
	flags.BoolVar(&resume, "resume", true, "resume from a prior manifest when valid")
	flags.BoolVar(&noResume, "no-resume", false, "disable resume")
	flags.BoolVar(&force, "force", false, "discard any manifest and staging data, start fresh")
	flags.IntVar(&parallel, "parallel", 4, "number of parallel chunk workers")
	flags.BoolVar(&aria2, "aria2", false, "aggressive profile: up to 16 workers, 1 MiB chunks")
	flags.IntVar(&split, "split", 32, "aria2 chunk count hint")
	flags.StringVar(&chunkStr, "chunk", "", "chunk size override (e.g. 4M, 512K)")
	flags.IntVar(&timeoutSec, "timeout", 30, "per-operation timeout in seconds")
	flags.IntVar(&maxRetries, "max-retries", 3, "per-chunk retry budget")

	transferCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(transferCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return transfer.ExitUsage
	}
	return transfer.ExitOK
}

// mapError prints the failure and converts it to a typed exit code.
func mapError(err error) error {
	var perr *endpoint.ParseError
	code := transfer.ExitCode(err)
	if errors.As(err, &perr) {
		code = transfer.ExitParse
	}
	if errors.Is(err, transfer.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "Transfer cancelled; state saved for resume")
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return &exitError{code: code}
}

// applyConfigDefaults fills cfg from the config file for flags the user
// did not set on the command line.
func applyConfigDefaults(cmd *cobra.Command, defaults config.TransferConfig, cfg *transfer.Config, limitRateStr *string) {
	if !cmd.Flags().Changed("parallel") && defaults.Parallel != nil {
		cfg.Parallel = *defaults.Parallel
	}
	if !cmd.Flags().Changed("aria2") && defaults.Aria2 != nil {
		cfg.Aria2 = *defaults.Aria2
	}
	if !cmd.Flags().Changed("resume") && !cmd.Flags().Changed("no-resume") &&
		!cfg.Force && defaults.Resume != nil {
		cfg.Resume = *defaults.Resume
	}
	if !cmd.Flags().Changed("limit-rate") && defaults.LimitRate != nil {
		*limitRateStr = *defaults.LimitRate
	}
	if !cmd.Flags().Changed("preserve") && defaults.Preserve != nil {
		cfg.PreservePermissions = *defaults.Preserve
	}
}

func setupLogging(verbose, quiet bool) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	} else if !quiet {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// selectSink picks the progress presentation: an in-place bar on a
// terminal, structured log lines otherwise, nothing when quiet.
func selectSink(dstArg string, quiet, verbose bool) progress.Sink {
	if quiet {
		return progress.Discard{}
	}
	info, err := os.Stderr.Stat()
	isTTY := err == nil && info.Mode()&os.ModeCharDevice != 0
	if isTTY && !verbose {
		return progress.NewTerminalSink(os.Stderr, filepath.Base(dstArg))
	}
	return progress.NewLogSink(slog.Default())
}

// recordHistory appends the finished transfer to the history database.
// Best effort: history failures never fail the transfer.
func recordHistory(stateDir, src, dst string, result *transfer.Result) {
	h, err := history.Open(stateDir)
	if err != nil {
		slog.Debug("history unavailable", "error", err)
		return
	}
	defer h.Close()

	srcEp, err1 := endpoint.Parse(src)
	dstEp, err2 := endpoint.Parse(dst)
	taskID := ""
	if err1 == nil && err2 == nil {
		taskID = endpoint.TaskID(srcEp, dstEp)
	}

	_ = h.Record(history.Entry{
		TaskID:     taskID,
		Src:        src,
		Dst:        dst,
		Bytes:      result.BytesTransferred,
		Chunks:     result.Chunks,
		Elapsed:    result.Elapsed,
		FileHash:   result.FileHash,
		FinishedAt: time.Now(),
	})
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
