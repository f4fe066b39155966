package server

// Version of the journal tools.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/liftbridge-io/liftbridge-journal/server.Version=v1.0.0"
var Version = "dev"
