package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/tether/internal/output"
	"github.com/marcus/tether/internal/status"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background sync daemon",
	Long: `Keeps syncing until interrupted: on the configured interval, whenever the
server comes back online, and shortly after another tether command writes
locally.

Signals:
  SIGUSR1   sync now
  SIGTSTP   pause scheduled syncs (background)
  SIGCONT   resume scheduled syncs (foreground)
  SIGINT/SIGTERM  stop`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if logger := daemonLogger(a.cfg.LogFile, a.cfg.LogLevel); logger != nil {
			defer logger.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := startSession(ctx, a, status.New())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer sess.Stop()

		sigs := make(chan os.Signal, 4)
		signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGTSTP, syscall.SIGCONT)
		defer signal.Stop(sigs)

		slog.Info("watch: started", "data_dir", a.cfg.DataDir, "server", a.cfg.ServerURL, "interval", a.cfg.Sync.Interval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("watch: stopping")
				return nil
			case sig := <-sigs:
				switch sig {
				case syscall.SIGUSR1:
					sess.engine.SyncNow()
				case syscall.SIGTSTP:
					sess.engine.SetVisible(false)
				case syscall.SIGCONT:
					sess.engine.SetVisible(true)
				}
			}
		}
	},
}

// daemonLogger points the default logger at a rotated log file when one is
// configured. The returned closer is nil when logging stays on stderr.
func daemonLogger(path, level string) io.Closer {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		slog.Warn("create log dir", "err", err)
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	slog.SetDefault(slog.New(newLogHandler(lj, level, verbose)))
	return lj
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
