//go:build !windows

package server

import (
	"os"
	"os/signal"
	"syscall"
)

// HandleSignals closes the journal on SIGINT or SIGTERM so buffered records
// reach disk before the process exits. SIGHUP forces a roll to a new file.
func (j *Journal) HandleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range c {
			switch sig {
			case syscall.SIGHUP:
				if err := j.Roll(); err != nil {
					j.logger.Errorf("Error occurred rolling journal while handling hangup: %v", err)
					continue
				}
				j.logger.Info("Rolled journal file on hangup")

			default:
				if err := j.Close(); err != nil {
					j.logger.Errorf("Error occurred closing journal while handling interrupt: %v", err)
					os.Exit(1)
				}
				os.Exit(0)
			}
		}
	}()
}
