package main

import (
	"fmt"
	"io"
	"net"

	"github.com/fatih/color"

	"github.com/arhuman/lanserve/internal/certs"
	"github.com/arhuman/lanserve/internal/config"
	"github.com/arhuman/lanserve/internal/util"
	"github.com/arhuman/lanserve/internal/version"
)

// banner prints the human-facing status lines. Logs go to stderr through
// zap; these go to stdout for whoever started the server.
type banner struct {
	out  io.Writer
	ok   *color.Color
	warn *color.Color
	info *color.Color
	url  *color.Color
}

func newBanner(out io.Writer) *banner {
	return &banner{
		out:  out,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		info: color.New(color.FgCyan),
		url:  color.New(color.FgGreen, color.Bold, color.Underline),
	}
}

func (b *banner) certificate(outcome certs.Outcome, cfg *config.ServerConfig) {
	switch outcome {
	case certs.Generated:
		b.ok.Fprintf(b.out, "Generated self-signed certificate for %s (%s, %s)\n", cfg.ServerIP, cfg.CertFile, cfg.KeyFile)
	case certs.Regenerated:
		b.warn.Fprintf(b.out, "Existing certificate was unusable, generated a new one for %s\n", cfg.ServerIP)
	default:
		b.info.Fprintf(b.out, "Using certificate %s\n", cfg.CertFile)
	}
}

func (b *banner) ready(cfg *config.ServerConfig, addr net.Addr) {
	url := cfg.URL()
	// Port 0 means the system picked one
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.Port != cfg.Port {
		url = util.FormatURL(cfg.ServerIP, tcp.Port)
	}

	fmt.Fprintln(b.out)
	b.ok.Fprintf(b.out, "lanserve %s serving %s at ", version.Short(), cfg.Directory)
	b.url.Fprintln(b.out, url)
	b.info.Fprintf(b.out, "Listening on %s\n", addr)
	b.warn.Fprintln(b.out, "Browsers will warn about the self-signed certificate; accept it to continue.")
}
