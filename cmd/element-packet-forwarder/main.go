// Command element-packet-forwarder bridges a Pinecone beacon control plane
// on one interface to a TCP rendezvous splice on another.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tiiuae/element-packet-forwarder/pkg/forwarder"
)

var opt struct {
	If1       string
	If1IPv6   string
	If2       string
	If2IPv6   string
	LogLevel  string
	DebugAddr string
	Help      bool
}

func init() {
	pflag.StringVar(&opt.If1, "if1", "", "Name of first network interface")
	pflag.StringVar(&opt.If1IPv6, "is-if1-ipv6", "off", "Ip version of first network interface (on or off)")
	pflag.StringVar(&opt.If2, "if2", "", "Name of second network interface")
	pflag.StringVar(&opt.If2IPv6, "is-if2-ipv6", "off", "Ip version of second network interface (on or off)")
	pflag.StringVar(&opt.LogLevel, "log-level", "debug", "Log severity")
	pflag.StringVar(&opt.DebugAddr, "debug-addr", "", "Address to serve /metrics on (empty disables it)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(opt.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse log level: %v\n", err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()

	if1IPv6, err := onOffFlag(opt.If1IPv6)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --is-if1-ipv6: %v\n", err)
		os.Exit(1)
	}
	if2IPv6, err := onOffFlag(opt.If2IPv6)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --is-if2-ipv6: %v\n", err)
		os.Exit(1)
	}

	cfg := forwarder.Config{
		If1:      opt.If1,
		If1IPv6:  if1IPv6,
		If2:      opt.If2,
		If2IPv6:  if2IPv6,
		LogLevel: level,
	}

	f, err := forwarder.New(log, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize forwarder: %v\n", err)
		os.Exit(1)
	}

	if opt.DebugAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			f.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(opt.DebugAddr, mux); err != nil {
				log.Err(err).Msg("debug server exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run forwarder: %v\n", err)
		os.Exit(1)
	}
}

func onOffFlag(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("value can be on or off, got %q", s)
	}
}
