//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/y001j/fafnet"
)

func main() {
	port := flag.Int("p", fafnet.DefaultPort, "TCP port to listen on")
	ctrl := flag.String("u", "", "local control socket path for live handoff")
	help := flag.Bool("h", false, "print usage and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s [-p port] [-u socket-path]\ndefault: -p %d\n", os.Args[0], fafnet.DefaultPort)
	}
	flag.Parse()
	if *help {
		flag.Usage()
		os.Exit(0)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	eng, err := fafnet.New(fafnet.Options{
		Port:     *port,
		CtrlPath: *ctrl,
		Logger:   logger,
	})
	if err != nil {
		logger.Sugar().Errorf("startup: %v", err)
		os.Exit(1)
	}
	if err := eng.Run(); err != nil {
		logger.Sugar().Errorf("run: %v", err)
		os.Exit(1)
	}
}
