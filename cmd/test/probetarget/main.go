package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// probetarget is a disposable service for exercising the supervisor by hand:
// it can listen on a port, serve /health, hold memory, burn CPU, exit early
// or ignore the graceful termination signal.
type flagOptions struct {
	Port           int  `long:"port" description:"listen on this port and serve /health"`
	ReadyDelay     int  `long:"ready-delay" description:"seconds before the port is opened"`
	MemoryMB       int  `long:"memory-mb" description:"megabytes to allocate and hold"`
	BurnCPU        bool `long:"burn-cpu" description:"spin one core"`
	ExitAfter      int  `long:"exit-after" description:"exit with --exit-code after this many seconds"`
	ExitCode       int  `long:"exit-code" description:"exit code used by --exit-after" default:"3"`
	UnhealthyAfter int  `long:"unhealthy-after" description:"answer /health with 503 after this many seconds"`
	IgnoreSigterm  bool `long:"ignore-sigterm" description:"ignore graceful termination, forcing a kill"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running probetarget, pid: %d, opts: %+v\n", os.Getpid(), opts)
	started := time.Now()

	var ballast []byte
	if opts.MemoryMB > 0 {
		ballast = make([]byte, opts.MemoryMB*1024*1024)
		for i := range ballast {
			ballast[i] = 1
		}
		fmt.Printf("Holding %d MB\n", opts.MemoryMB)
	}

	if opts.BurnCPU {
		go func() {
			for x := 0; ; x++ {
				_ = x * x
			}
		}()
	}

	if opts.Port > 0 {
		go serve(opts, started)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	ctx := context.Background()
	if opts.ExitAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.ExitAfter)*time.Second)
		defer cancel()
	}

	for {
		select {
		case receivedSignal := <-sig:
			if opts.IgnoreSigterm {
				fmt.Printf("Ignoring signal: %v\n", receivedSignal)
				continue
			}
			fmt.Printf("Received signal: %v, stopping\n", receivedSignal)
			runtime.KeepAlive(ballast)
			return
		case <-ctx.Done():
			fmt.Printf("Exiting with code %d\n", opts.ExitCode)
			os.Exit(opts.ExitCode)
		}
	}
}

func serve(opts flagOptions, started time.Time) {
	if opts.ReadyDelay > 0 {
		time.Sleep(time.Duration(opts.ReadyDelay) * time.Second)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.UnhealthyAfter > 0 && time.Since(started) > time.Duration(opts.UnhealthyAfter)*time.Second {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	address := fmt.Sprintf("127.0.0.1:%d", opts.Port)
	fmt.Printf("Listening on %s\n", address)
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		fmt.Printf("Listener failed: %v\n", err)
		os.Exit(1)
	}
}
