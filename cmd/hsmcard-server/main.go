package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/cmd/hsmcard-server/server"
	"github.com/hsmcard/hsmcard-go/internal/logging"
	"github.com/hsmcard/hsmcard-go/pkg/session"
)

var (
	address     = flag.String("address", "127.0.0.1:0", "host:port to listen")
	storagePath = flag.String("storage", "", "pairing store file; starts the service on launch when set")
	useEmulator = flag.Bool("emulator", false, "serve an emulated device instead of PC/SC readers")
	logFile     = flag.String("log-file", "", "write JSON logs to this file instead of the console")
	debug       = flag.Bool("debug", false, "log protocol traces")
)

func main() {
	flag.Parse()

	rootLogger, err := logging.Build(true, *logFile)
	if err != nil {
		fmt.Printf("failed to initialize log: %v\n", err)
		rootLogger = zap.NewNop()
	}
	if !*debug {
		rootLogger = rootLogger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	zap.ReplaceGlobals(rootLogger)

	logger := rootLogger.Named("main")
	go handleInterrupts()

	srv := server.NewServer(rootLogger)
	srv.Setup()

	err = srv.Listen(*address)
	if err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return
	}

	if *storagePath != "" || *useEmulator {
		err = session.StartService(&session.StartRequest{
			StorageFilePath: *storagePath,
			Emulator:        *useEmulator,
			LogEnabled:      *debug,
			LogFilePath:     *logFile,
		})
		if err != nil {
			logger.Error("failed to start hsm service", zap.Error(err))
			return
		}
	}

	logger.Info("hsmcard-server started", zap.String("address", srv.Address()))
	srv.Serve()
}

// handleInterrupts catches interrupt signal (SIGTERM/SIGINT) and stops the
// card context before exiting.
func handleInterrupts() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	<-ch
	session.StopService()
	os.Exit(0)
}
