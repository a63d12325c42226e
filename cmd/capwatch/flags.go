package main

import "time"

// DaemonFlags Flag structs to decouple cobra from logic for testing.
type DaemonFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type QueryFlags struct {
	// Remote daemon connection; empty reads the local result store
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type DownloadFlags struct {
	Output string
}
