package player

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const socketWait = 10 * time.Second

// Launch starts mpv in idle mode with its IPC server on socket. The process
// is killed when ctx is done.
func Launch(ctx context.Context, binary, socket string, volume float64, logger *zap.Logger) (*exec.Cmd, error) {
	_ = os.Remove(socket)

	cmd := exec.CommandContext(ctx, binary,
		"--idle=yes",
		"--no-video",
		"--no-terminal",
		"--volume="+strconv.FormatFloat(volume, 'f', -1, 64),
		"--input-ipc-server="+socket,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	logger.Info("Started player process", zap.String("binary", binary), zap.Int("pid", cmd.Process.Pid))
	return cmd, nil
}

// Connect dials the IPC socket, retrying until it appears or the wait
// runs out.
func Connect(ctx context.Context, socket string, logger *zap.Logger) (*IPC, error) {
	ctx, cancel := context.WithTimeout(ctx, socketWait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ipc, err := DialIPC(ctx, socket, logger)
		if err == nil {
			return ipc, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for player socket %s: %w", socket, err)
		case <-ticker.C:
		}
	}
}
