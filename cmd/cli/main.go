package main

import (
	"os"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
