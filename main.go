package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pires/go-proxyproto"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"imuslab.com/offlinegw/mod/info/logger"
)

const (
	SYSTEM_NAME    = "Offline Gateway"
	SYSTEM_VERSION = "1.0.0"
	MDNS_SERVICE   = "_offlinegw._tcp"
)

var (
	configFile  = flag.String("conf", CONF_OFFLINE_CONFIG, "Path to the offline gateway configuration")
	listenAddr  = flag.String("port", "", "Listening address, overrides the configuration (e.g. :8080)")
	upstreamURL = flag.String("upstream", "", "Upstream origin URL, overrides the configuration")
	logLevel    = flag.String("loglevel", "", "Log level (debug, info, warn, error)")
	logFolder   = flag.String("log", LOG_FOLDER, "Log folder path, empty logs to stdout only")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

// SystemWideLogger is replaced in main once the log folder is known
var SystemWideLogger = logger.NewNopLogger()

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(SYSTEM_NAME + " " + SYSTEM_VERSION)
		return
	}

	config, err := LoadOfflineConfiguration(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	applyFlagOverrides(config)

	l, err := logger.NewLogger("offlinegw", *logFolder, config.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to create logger:", err)
		os.Exit(1)
	}
	SystemWideLogger = l
	defer SystemWideLogger.Close()

	SystemWideLogger.Printf("%s %s starting", SYSTEM_NAME, SYSTEM_VERSION)
	if err := initOfflineSystem(config); err != nil {
		SystemWideLogger.PrintAndLog("main", "Failed to initialize offline system", err)
		shutdownOfflineSystem()
		os.Exit(1)
	}
	if err := startOfflineSystem(); err != nil {
		SystemWideLogger.PrintAndLog("main", "Failed to start offline system", err)
		shutdownOfflineSystem()
		os.Exit(1)
	}

	listener, err := listen(config)
	if err != nil {
		SystemWideLogger.PrintAndLog("main", "Failed to listen on "+config.Listen, err)
		shutdownOfflineSystem()
		os.Exit(1)
	}

	server := &http.Server{
		Handler:           h2c.NewHandler(buildRouter(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var mdns *zeroconf.Server
	if config.MDNS.Enabled {
		mdns, err = advertise(config, listener.Addr())
		if err != nil {
			SystemWideLogger.PrintAndLog("mdns", "Unable to advertise the gateway on the LAN", err)
		}
	}

	go func() {
		SystemWideLogger.Printf("Listening on %s, forwarding to %s", listener.Addr(), config.Upstream)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			SystemWideLogger.PrintAndLog("main", "Server stopped", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	if mdns != nil {
		mdns.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = multierr.Combine(server.Shutdown(ctx), shutdownOfflineSystem())
	if err != nil {
		SystemWideLogger.PrintAndLog("main", "Shutdown finished with errors", err)
	}
}

func applyFlagOverrides(config *OfflineConfiguration) {
	if *listenAddr != "" {
		config.Listen = *listenAddr
	}
	if *upstreamURL != "" {
		config.Upstream = *upstreamURL
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
}

// listen opens the server socket, accepting PROXY protocol headers if enabled
func listen(config *OfflineConfiguration) (net.Listener, error) {
	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return nil, err
	}
	if config.ProxyProtocol {
		SystemWideLogger.Println("PROXY protocol enabled on", config.Listen)
		return &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: 10 * time.Second,
		}, nil
	}
	return ln, nil
}

// advertise registers the gateway as an mDNS service so LAN clients can find it
func advertise(config *OfflineConfiguration, addr net.Addr) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	name := config.MDNS.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	txt := []string{
		"version=" + SYSTEM_VERSION,
		"cache_version=" + offlineGateway.Version(),
	}
	server, err := zeroconf.Register(name, MDNS_SERVICE, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	SystemWideLogger.Printf("Advertising %s as %s on port %d", name, MDNS_SERVICE, port)
	return server, nil
}
