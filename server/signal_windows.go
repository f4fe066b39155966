package server

import (
	"os"
	"os/signal"
)

// HandleSignals closes the journal on interrupt so buffered records reach
// disk before the process exits.
func (j *Journal) HandleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		if err := j.Close(); err != nil {
			j.logger.Errorf("Error occurred closing journal while handling interrupt: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}
