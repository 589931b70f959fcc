// throughput1-server is a minimal throughput1 server that speedtracker can
// measure against with -probe.server.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/internal/handler"
	"github.com/m-lab/speedtracker/internal/netx"
	"github.com/m-lab/speedtracker/pkg/throughput1/spec"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("wss_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("ws_addr", ":8080", "Listen address/port for cleartext connections")
	flagDataDir           = flag.String("datadir", "./data", "Directory to store data in")
	tokenVerifyKey        = flagx.FileBytesArray{}
	tokenVerify           bool
	tokenMachine          string
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS configuration.
//
// This server can only be used with a net.Listener that returns netx.ConnInfo
// after accepting a new connection.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: &tls.Config{},
		// NOTE: set absolute read and write timeouts for server connections.
		// This prevents clients, or middleboxes, from opening a connection and
		// holding it open indefinitely. This applies equally to TLS and non-TLS
		// servers.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

func listen(addr string) *netx.Listener {
	tcpl, err := net.Listen("tcp", addr)
	rtx.Must(err, "failed to create listener")
	return netx.NewListener(tcpl.(*net.TCPListener))
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if tokenVerify && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on uploads and downloads.
	txPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	tokenPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine, txPaths, tokenPaths)

	mux := http.NewServeMux()
	h := handler.New(*flagDataDir)
	mux.Handle(spec.DownloadPath, http.HandlerFunc(h.Download))
	mux.Handle(spec.UploadPath, http.HandlerFunc(h.Upload))

	cleartext := httpServer(*flagEndpointCleartext, acm.Then(mux))
	log.Info("About to listen for ws tests", "endpoint", *flagEndpointCleartext)
	l := listen(cleartext.Addr)
	go func() {
		err := cleartext.Serve(l)
		if err != http.ErrServerClosed {
			rtx.Must(err, "Could not start cleartext server")
		}
	}()
	defer cleartext.Close()

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		secure := httpServer(*flagEndpoint, acm.Then(mux))
		log.Info("About to listen for wss tests", "endpoint", *flagEndpoint)
		tl := listen(secure.Addr)
		go func() {
			err := secure.ServeTLS(tl, *flagCertFile, *flagKeyFile)
			if err != http.ErrServerClosed {
				rtx.Must(err, "Could not start TLS server")
			}
		}()
		defer secure.Close()
	}

	<-ctx.Done()
	log.Info("Shutting down")
}
