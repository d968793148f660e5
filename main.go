package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("tunnelfin failed")
		fmt.Fprintln(os.Stderr, "tunnelfin:", err)
		os.Exit(1)
	}
}
