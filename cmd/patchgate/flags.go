package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// APIFlags selects the agent a remote command talks to and how its answer
// is printed.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	APIToken   string
	Insecure   bool
	CACert     string
	Output     string
}

// SubmitFlags holds flags for patch submit.
type SubmitFlags struct {
	PatchID       string
	Summary       string
	Author        string
	CreatedAt     string
	Artifact      string
	TestReportURI string
	Notes         string
}

// StageFlags holds flags for the stage command.
type StageFlags struct {
	Target  string
	PatchID string
	Author  string
	Notes   string
	Resume  bool
}
