package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tacnode/warcmitm"
	"github.com/tacnode/warcmitm/pkg/proxyconf"
	"github.com/tacnode/warcmitm/pkg/tlsid"
	"github.com/tacnode/warcmitm/pkg/warc"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var port int
	var file string

	cmd := &cobra.Command{
		Use:     "warcmitm",
		Short:   "Intercepting HTTP/1.1 forward proxy that journals traffic as WARC",
		Version: warcmitm.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), port, file)
		},
	}

	cmd.Flags().IntVar(&port, "port", proxyconf.DefaultPort, "listen port")
	cmd.Flags().StringVar(&file, "file", proxyconf.DefaultWarcFile, "WARC output path (gzip framing iff it ends in .gz)")

	return cmd
}

func run(ctx context.Context, port int, file string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority, err := tlsid.NewAuthority("warcmitm")
	if err != nil {
		return fmt.Errorf("warcmitm: initializing CA: %w", err)
	}

	sink, err := warc.OpenFile(file)
	if err != nil {
		return fmt.Errorf("warcmitm: opening WARC output: %w", err)
	}
	defer sink.Close()

	engine, err := warcmitm.New(warcmitm.Options{
		Authority: authority,
		Sink:      sink,
		Logger:    logrus.StandardLogger(),
	})
	if err != nil {
		return err
	}

	return engine.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
}
