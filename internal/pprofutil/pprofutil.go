package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	EnvEnable      = "SESSIONOPS_PPROF"
	EnvAddr        = "SESSIONOPS_PPROF_ADDR"
	EnvAllowPublic = "SESSIONOPS_PPROF_ALLOW_PUBLIC"
	defaultAddr    = "127.0.0.1:6060"
)

var (
	startOnce sync.Once
	startAddr string
	startErr  error
)

// StartFromEnv starts a profiling listener when SESSIONOPS_PPROF=1 and
// returns its address. Non-loopback binds need SESSIONOPS_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(logw io.Writer) (string, error) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv(EnvAddr))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		startAddr = ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", startAddr)
		}
		srv := &http.Server{
			Handler:           mux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startAddr, startErr
}

// mux keeps the profiling routes off http.DefaultServeMux.
func mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
